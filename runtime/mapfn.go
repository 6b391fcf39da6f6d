package runtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Map runs fn once per item concurrently, like Parallel over an
// enumerated input, preserving item order in the returned slice (spec
// §4.3's map primitive).
func Map(ctx context.Context, items []json.RawMessage, fn func(ctx context.Context, index int, item json.RawMessage) (json.RawMessage, error)) ([]json.RawMessage, error) {
	children := make([]ChildTask, len(items))
	for i, item := range items {
		i, item := i, item
		children[i] = ChildTask{
			Name: fmt.Sprintf("map[%d]", i),
			Run: func(ctx context.Context) (json.RawMessage, error) {
				return fn(ctx, i, item)
			},
		}
	}
	return Parallel(ctx, children)
}
