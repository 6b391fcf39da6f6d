package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/stretchr/testify/require"
)

// fakeExecutionStore is a minimal in-memory runtime.ExecutionStore for
// exercising the dispatcher's matching and claim-ack-timeout logic
// without a real persistence backend.
type fakeExecutionStore struct {
	mu   sync.Mutex
	rows map[string]runtime.Execution
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{rows: make(map[string]runtime.Execution)}
}

func (s *fakeExecutionStore) Create(_ context.Context, exec runtime.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[exec.ExecutionID] = exec
	return nil
}

func (s *fakeExecutionStore) Get(_ context.Context, executionID string) (runtime.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[executionID], nil
}

func (s *fakeExecutionStore) CompareAndSwapState(_ context.Context, executionID string, from, to runtime.State, workerID *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[executionID]
	if !ok || row.State != from {
		return false, nil
	}
	row.State = to
	row.CurrentWorkerID = workerID
	s.rows[executionID] = row
	return true, nil
}

func (s *fakeExecutionStore) ListByState(_ context.Context, state runtime.State) ([]runtime.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runtime.Execution
	for _, row := range s.rows {
		if row.State == state {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeExecutionStore) ListInFlightByWorker(_ context.Context, workerID string) ([]runtime.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runtime.Execution
	for _, row := range s.rows {
		if row.CurrentWorkerID == nil || *row.CurrentWorkerID != workerID {
			continue
		}
		if row.State == runtime.StateClaimed || row.State == runtime.StateRunning || row.State == runtime.StateCancelling {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeExecutionStore) IncrementClaimAttempts(_ context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[executionID]
	row.ClaimAttempts++
	s.rows[executionID] = row
	return row.ClaimAttempts, nil
}

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []string
}

func (f *fakeSender) SendExecute(_ context.Context, workerID, executionID string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, executionID)
	return nil
}

func TestDispatcherAssignsMatchingExecutionToWorker(t *testing.T) {
	ctx := context.Background()
	store := newFakeExecutionStore()
	require.NoError(t, store.Create(ctx, runtime.Execution{
		ExecutionID: "exec-1",
		State:       runtime.StateScheduled,
		CreatedAt:   time.Unix(1, 0),
	}))

	registry := NewRegistry()
	registry.Register(Worker{WorkerID: "w1", Status: WorkerOnline, FreeCPU: 2, FreeMemoryMB: 1024, MaxConcurrent: 1, LastSeen: time.Unix(5, 0)})

	sender := &fakeSender{}
	d := NewDispatcher(store, registry, sender, clockwork.NewMock(), nil, nil, Config{})
	d.Tick(ctx)

	row, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, runtime.StateClaimed, row.State)
	require.NotNil(t, row.CurrentWorkerID)
	require.Equal(t, "w1", *row.CurrentWorkerID)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Equal(t, []string{"exec-1"}, sender.sent)
}

func TestDispatcherSkipsExecutionWithNoEligibleWorker(t *testing.T) {
	ctx := context.Background()
	store := newFakeExecutionStore()
	require.NoError(t, store.Create(ctx, runtime.Execution{
		ExecutionID:      "exec-1",
		State:            runtime.StateScheduled,
		ResourceMemoryMB: 99999,
		CreatedAt:        time.Unix(1, 0),
	}))

	registry := NewRegistry()
	registry.Register(Worker{WorkerID: "w1", Status: WorkerOnline, FreeMemoryMB: 1024, MaxConcurrent: 1})

	d := NewDispatcher(store, registry, &fakeSender{}, clockwork.NewMock(), nil, nil, Config{})
	d.Tick(ctx)

	row, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, runtime.StateScheduled, row.State)
}

func TestDispatcherClaimAckTimeoutRevertsThenFails(t *testing.T) {
	ctx := context.Background()
	store := newFakeExecutionStore()
	require.NoError(t, store.Create(ctx, runtime.Execution{
		ExecutionID: "exec-1",
		State:       runtime.StateScheduled,
		CreatedAt:   time.Unix(1, 0),
	}))

	registry := NewRegistry()
	registry.Register(Worker{WorkerID: "w1", Status: WorkerOnline, FreeCPU: 1, FreeMemoryMB: 1024, MaxConcurrent: 1, LastSeen: time.Unix(1, 0)})

	clock := clockwork.NewMock()
	d := NewDispatcher(store, registry, &fakeSender{}, clock, nil, nil, Config{ClaimAckTimeout: time.Second, MaxClaimAttempts: 2})

	d.Tick(ctx)
	row, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, runtime.StateClaimed, row.State)

	clock.Add(2 * time.Second)
	d.checkAckTimeouts(ctx)

	row, err = store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, runtime.StateScheduled, row.State)
	require.Equal(t, 1, row.ClaimAttempts)

	// Second claim + timeout exhausts max_claim_attempts.
	d.Tick(ctx)
	clock.Add(2 * time.Second)
	d.checkAckTimeouts(ctx)

	row, err = store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, runtime.StateFailed, row.State)
}

// TestDispatcherRequeuesRunningExecutionOnWorkerOffline exercises the
// path a claim-ack timeout never covers: a worker that acknowledged its
// claim (so the execution reached RUNNING and dropped out of the
// pending-ack set) and then disconnects. WorkerOffline must still find
// it via ListInFlightByWorker and requeue it to SCHEDULED.
func TestDispatcherRequeuesRunningExecutionOnWorkerOffline(t *testing.T) {
	ctx := context.Background()
	store := newFakeExecutionStore()
	workerID := "w1"
	require.NoError(t, store.Create(ctx, runtime.Execution{
		ExecutionID:     "exec-1",
		State:           runtime.StateRunning,
		CurrentWorkerID: &workerID,
		CreatedAt:       time.Unix(1, 0),
	}))

	registry := NewRegistry()
	registry.Register(Worker{WorkerID: workerID, Status: WorkerOnline, LastSeen: time.Unix(1, 0)})

	d := NewDispatcher(store, registry, &fakeSender{}, clockwork.NewMock(), nil, nil, Config{MaxClaimAttempts: 3})

	d.WorkerOffline(ctx, workerID)

	row, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, runtime.StateScheduled, row.State)
	require.Nil(t, row.CurrentWorkerID)
	require.Equal(t, 1, row.ClaimAttempts)

	w, ok := registry.Get(workerID)
	require.True(t, ok)
	require.Equal(t, WorkerOffline, w.Status)
}

// TestDispatcherWorkerOfflineDoesNotDoubleRequeuePendingAck ensures an
// execution still awaiting its first ack (tracked in d.pending) is
// requeued exactly once when its worker disconnects, not twice via both
// the pending sweep and ListInFlightByWorker.
func TestDispatcherWorkerOfflineDoesNotDoubleRequeuePendingAck(t *testing.T) {
	ctx := context.Background()
	store := newFakeExecutionStore()
	workerID := "w1"
	require.NoError(t, store.Create(ctx, runtime.Execution{
		ExecutionID:     "exec-1",
		State:           runtime.StateClaimed,
		CurrentWorkerID: &workerID,
		CreatedAt:       time.Unix(1, 0),
	}))

	registry := NewRegistry()
	registry.Register(Worker{WorkerID: workerID, Status: WorkerOnline, LastSeen: time.Unix(1, 0)})

	d := NewDispatcher(store, registry, &fakeSender{}, clockwork.NewMock(), nil, nil, Config{MaxClaimAttempts: 3})
	d.mu.Lock()
	d.pending["exec-1"] = pendingAck{executionID: "exec-1", workerID: workerID, deadline: time.Unix(2, 0)}
	d.mu.Unlock()

	d.WorkerOffline(ctx, workerID)

	row, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, runtime.StateScheduled, row.State)
	require.Equal(t, 1, row.ClaimAttempts)
}
