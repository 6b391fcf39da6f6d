package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ChildTask is one named child of a parallel/map fan-out: Run invokes
// the child's Envelope.Run under its own scope path, distinct from its
// siblings per spec §4.3's "parallel launches all children concurrently
// under distinct scope suffixes."
type ChildTask struct {
	Name string
	Run  func(ctx context.Context) (json.RawMessage, error)
}

// Parallel runs every child concurrently and waits for all of them,
// implementing spec §4.3's parallel primitive and §5's structured
// concurrency rule: a single child failure cancels its siblings (via
// ctx cancellation) and fails the whole call. Results preserve the
// input order of children regardless of completion order.
//
// Grounded on the teacher's activity-fan-out pattern of firing N
// goroutines off a WaitGroup and capturing the first error, generalized
// here to arbitrary named children instead of activity futures.
func Parallel(ctx context.Context, children []ChildTask) ([]json.RawMessage, error) {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]json.RawMessage, len(children))
	errs := make([]error, len(children))

	var wg sync.WaitGroup
	wg.Add(len(children))
	for i, child := range children {
		i, child := i, child
		go func() {
			defer wg.Done()
			out, err := child.Run(childCtx)
			results[i] = out
			errs[i] = err
			if err != nil {
				cancel()
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("parallel child %q: %w", children[i].Name, err)
		}
	}
	return results, nil
}
