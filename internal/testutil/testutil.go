// Package testutil provides minimal in-memory runtime.Store and
// runtime.ExecutionStore implementations shared across package tests
// that need a durable-looking backing without pulling in Postgres.
// Grounded on the teacher's own in-memory test doubles for its
// persistence interfaces (internal_task_pollers_test.go's fake task
// store).
package testutil

import (
	"context"
	"sync"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/runtime"
)

// EventStore is an in-memory runtime.Store.
type EventStore struct {
	mu     sync.Mutex
	events map[string][]runtime.Event
}

func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string][]runtime.Event)}
}

func (s *EventStore) Append(ctx context.Context, executionID string, events []runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[executionID] = append(s.events[executionID], events...)
	return nil
}

func (s *EventStore) Load(ctx context.Context, executionID string) ([]runtime.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runtime.Event, len(s.events[executionID]))
	copy(out, s.events[executionID])
	return out, nil
}

var _ runtime.Store = (*EventStore)(nil)

// ExecutionStore is an in-memory runtime.ExecutionStore.
type ExecutionStore struct {
	mu   sync.Mutex
	rows map[string]runtime.Execution
}

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{rows: make(map[string]runtime.Execution)}
}

func (s *ExecutionStore) Create(ctx context.Context, exec runtime.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[exec.ExecutionID] = exec
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, executionID string) (runtime.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.rows[executionID]
	if !ok {
		return runtime.Execution{}, internal.NewNotFoundError("execution", executionID)
	}
	return exec, nil
}

func (s *ExecutionStore) CompareAndSwapState(ctx context.Context, executionID string, from, to runtime.State, workerID *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.rows[executionID]
	if !ok || exec.State != from {
		return false, nil
	}
	exec.State = to
	exec.CurrentWorkerID = workerID
	s.rows[executionID] = exec
	return true, nil
}

func (s *ExecutionStore) ListByState(ctx context.Context, state runtime.State) ([]runtime.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runtime.Execution
	for _, exec := range s.rows {
		if exec.State == state {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (s *ExecutionStore) ListInFlightByWorker(ctx context.Context, workerID string) ([]runtime.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runtime.Execution
	for _, exec := range s.rows {
		if exec.CurrentWorkerID == nil || *exec.CurrentWorkerID != workerID {
			continue
		}
		for _, st := range runtime.InFlightStates {
			if exec.State == st {
				out = append(out, exec)
				break
			}
		}
	}
	return out, nil
}

func (s *ExecutionStore) IncrementClaimAttempts(ctx context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.rows[executionID]
	if !ok {
		return 0, internal.NewNotFoundError("execution", executionID)
	}
	exec.ClaimAttempts++
	s.rows[executionID] = exec
	return exec.ClaimAttempts, nil
}

var _ runtime.ExecutionStore = (*ExecutionStore)(nil)
