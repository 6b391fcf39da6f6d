package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxworkflow/flux/runtime"
)

// Child is one branch of a Parallel/Map fan-out.
type Child struct {
	Name string
	Run  func(c *Context) (json.RawMessage, error)
}

// Parallel runs every child concurrently under its own scope suffix and
// waits for all of them, per spec §4.3: "a single child failure cancels
// siblings and fails parallel." Results preserve input order regardless
// of completion order.
func (c *Context) Parallel(children ...Child) ([]json.RawMessage, error) {
	rtChildren := make([]runtime.ChildTask, len(children))
	for i, ch := range children {
		i, ch := i, ch
		rtChildren[i] = runtime.ChildTask{
			Name: ch.Name,
			Run: func(ctx context.Context) (json.RawMessage, error) {
				sub := c.withGoContext(ctx).sub(fmt.Sprintf("parallel[%d]", i))
				return ch.Run(sub)
			},
		}
	}
	return runtime.Parallel(c.goCtx, rtChildren)
}

// PipelineStage is one step of a Pipeline: the previous stage's output
// becomes its input.
type PipelineStage struct {
	Name string
	Run  func(c *Context, in json.RawMessage) (json.RawMessage, error)
}

// Pipeline runs stages sequentially under a shared "pipeline" scope
// prefix, threading each stage's output into the next, per spec §4.3.
func (c *Context) Pipeline(input json.RawMessage, stages ...PipelineStage) (json.RawMessage, error) {
	base := c.sub("pipeline")
	rtStages := make([]runtime.PipelineStage, len(stages))
	for i, st := range stages {
		st := st
		stageCtx := base.sub(st.Name)
		rtStages[i] = runtime.PipelineStage{
			Name: st.Name,
			Run: func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
				return st.Run(stageCtx.withGoContext(ctx), in)
			},
		}
	}
	return runtime.Pipeline(c.goCtx, input, rtStages)
}

// MapFunc is the per-item body a Map call invokes.
type MapFunc func(c *Context, index int, item json.RawMessage) (json.RawMessage, error)

// Map runs fn once per item concurrently, preserving item order in the
// result, per spec §4.3's map primitive ("like parallel over an
// enumerated input").
func (c *Context) Map(items []json.RawMessage, fn MapFunc) ([]json.RawMessage, error) {
	return runtime.Map(c.goCtx, items, func(ctx context.Context, index int, item json.RawMessage) (json.RawMessage, error) {
		sub := c.withGoContext(ctx).sub(fmt.Sprintf("map[%d]", index))
		return fn(sub, index, item)
	})
}

// Call is a typed convenience wrapper over Task: it marshals arg,
// invokes fn with Go types, and unmarshals the result into R, so
// workflow/task authors don't have to hand-roll JSON encode/decode
// around every call the way the untyped Task/TaskFunc primitive
// requires.
func Call[A any, R any](c *Context, name string, fn func(ctx context.Context, arg A) (R, error), arg A, opts ...TaskOption) (R, error) {
	var zero R
	raw, err := c.Task(name, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var typedArg A
		if len(args) > 0 {
			if err := json.Unmarshal(args, &typedArg); err != nil {
				return nil, err
			}
		}
		out, err := fn(ctx, typedArg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}, arg, opts...)
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, nil
	}
	var result R
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, err
	}
	return result, nil
}
