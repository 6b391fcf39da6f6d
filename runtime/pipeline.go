package runtime

import (
	"context"
	"encoding/json"
)

// PipelineStage is one step of a pipeline composition: a function from
// the previous stage's output to this stage's output, per spec §4.3
// "output of fi is the input of fi+1."
type PipelineStage struct {
	Name string
	Run  func(ctx context.Context, in json.RawMessage) (json.RawMessage, error)
}

// Pipeline runs stages in sequence, threading each stage's output into
// the next. It stops and returns the first error without running
// remaining stages.
func Pipeline(ctx context.Context, input json.RawMessage, stages []PipelineStage) (json.RawMessage, error) {
	current := input
	for _, stage := range stages {
		out, err := stage.Run(ctx, current)
		if err != nil {
			return nil, err
		}
		current = out
	}
	return current, nil
}
