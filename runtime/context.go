package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"go.uber.org/zap"
)

// State is the workflow execution state machine of spec §4.1/§3.
type State string

const (
	StateScheduled  State = "SCHEDULED"
	StateClaimed    State = "CLAIMED"
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateCancelling State = "CANCELLING"
	StateCancelled  State = "CANCELLED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// transitions enumerates the legal state graph from spec §4.1. A
// transition not listed here is illegal and makes transition() panic,
// mirroring the teacher's decision state machine which panics on illegal
// transitions because they indicate a framework invariant violation
// rather than ordinary user error — the two user-facing exceptions
// (resume on non-paused, cancel of terminal) are checked in Resume/Cancel
// below before any event is appended. Claiming has no event of its own,
// so a replayed log goes from SCHEDULED straight to RUNNING on
// WORKFLOW_STARTED.
var transitions = map[State]map[State]bool{
	StateScheduled:  {StateClaimed: true, StateRunning: true, StateCancelled: true, StateFailed: true},
	StateClaimed:    {StateRunning: true, StateScheduled: true, StateCancelling: true},
	StateRunning:    {StateCompleted: true, StateFailed: true, StatePaused: true, StateCancelling: true},
	StatePaused:     {StateRunning: true, StateCancelling: true},
	StateCancelling: {StateCancelled: true},
}

// Execution is the durable, persisted summary row of spec §3 — the
// projection the `executions` table keeps in sync with the latest
// terminal event, per §9's "UPDATE only on the summary row" rule.
type Execution struct {
	ExecutionID     string             `json:"execution_id"`
	WorkflowName    string             `json:"workflow_name"`
	WorkflowVersion int                `json:"workflow_version"`
	State           State              `json:"state"`
	Input           json.RawMessage    `json:"input,omitempty"`
	Output          json.RawMessage    `json:"output,omitempty"`
	Error           *internal.Payload  `json:"error,omitempty"`
	CurrentWorkerID *string            `json:"current_worker_id,omitempty"`
	ClaimAttempts   int                `json:"claim_attempts,omitempty"`
	Priority        int                `json:"priority,omitempty"`
	// ScheduleID is set when this execution was enqueued by the
	// scheduler's fire(), letting a scheduler.RunningChecker find the
	// execution belonging to a given schedule (spec §4.6's concurrency
	// guard).
	ScheduleID string `json:"schedule_id,omitempty"`
	// Resource* mirror dispatcher.ResourceRequest as plain fields rather
	// than a shared type, so runtime has no import-time dependency on
	// the dispatcher package.
	ResourceCPU      float64   `json:"resource_cpu,omitempty"`
	ResourceMemoryMB int64     `json:"resource_memory_mb,omitempty"`
	ResourcePackages []string  `json:"resource_packages,omitempty"`
	ResourceTags     []string  `json:"resource_tags,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Context is the live, in-memory projection of one execution's event
// log (spec §4.1). It is the single-writer owner of its executionID:
// every state-changing call takes ctx.mu and appends exactly one event
// before returning, per the checkpointing contract.
type Context struct {
	mu sync.Mutex

	store  Store
	clock  clockwork.Clock
	logger *zap.Logger

	executionID     string
	workflowName    string
	workflowVersion int

	events  []Event
	nextSeq int64
	exec    Execution

	cancelCh chan struct{}
}

// NewContext constructs a live Context for executionID, backed by store.
// Callers that are resuming an existing execution should call Load first.
func NewContext(executionID, workflowName string, workflowVersion int, store Store, clock clockwork.Clock, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock.Now()
	return &Context{
		store:           store,
		clock:           clock,
		logger:          logger,
		executionID:     executionID,
		workflowName:    workflowName,
		workflowVersion: workflowVersion,
		cancelCh:        make(chan struct{}),
		exec: Execution{
			ExecutionID:     executionID,
			WorkflowName:    workflowName,
			WorkflowVersion: workflowVersion,
			State:           StateScheduled,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
}

// Load reconstructs a Context by replaying the durable event log from
// sequence 0, the authoritative source of truth per spec §3/§8 property 1.
func Load(ctx context.Context, executionID, workflowName string, workflowVersion int, store Store, clock clockwork.Clock, logger *zap.Logger) (*Context, error) {
	c := NewContext(executionID, workflowName, workflowVersion, store, clock, logger)
	events, err := store.Load(ctx, executionID)
	if err != nil {
		return nil, internal.NewStorageFailureError("load", err)
	}
	for _, ev := range events {
		c.apply(ev)
	}
	return c, nil
}

// apply folds one event into the in-memory projection without appending
// or persisting it — used both by Load (replay) and by Event (after a
// successful append) so the two paths can never disagree.
func (c *Context) apply(ev Event) {
	c.events = append(c.events, ev)
	if ev.Sequence >= c.nextSeq {
		c.nextSeq = ev.Sequence + 1
	}
	c.exec.UpdatedAt = ev.Time

	switch ev.Kind {
	case WorkflowStarted:
		c.transition(StateRunning)
		c.exec.Input = ev.Value
	case WorkflowCompleted:
		c.transition(StateCompleted)
		c.exec.Output = ev.Value
	case WorkflowFailed:
		c.transition(StateFailed)
		var p internal.Payload
		_ = DecodeValue(ev.Value, &p)
		c.exec.Error = &p
	case WorkflowPaused:
		c.transition(StatePaused)
	case WorkflowResumed:
		c.transition(StateRunning)
	case WorkflowCancelRequest:
		c.transition(StateCancelling)
		c.closeCancelCh()
	case WorkflowCancelled:
		c.transition(StateCancelled)
		c.closeCancelCh()
	}
}

// closeCancelCh closes the cancellation broadcast channel at most once.
// Safe to call from apply() whether driven by Load's replay or by a live
// checkpoint; Done()'s selectors only ever observe a channel close.
func (c *Context) closeCancelCh() {
	select {
	case <-c.cancelCh:
	default:
		close(c.cancelCh)
	}
}

// Done returns a channel closed once cancellation becomes durable, for
// callers (runtime/envelope.go's retry-delay sleeps) that need to wake
// promptly on cancellation instead of polling IsCancelRequested.
func (c *Context) Done() <-chan struct{} {
	return c.cancelCh
}

// transition forces the in-memory state during replay/apply. Illegal
// transitions here indicate a corrupted log, not user error, so they
// panic the way the teacher's state machine does for the same reason.
func (c *Context) transition(to State) {
	from := c.exec.State
	if from == to {
		return
	}
	if !transitions[from][to] {
		panic(fmt.Sprintf("flux: illegal execution state transition %s -> %s for %s", from, to, c.executionID))
	}
	c.exec.State = to
}

// checkpoint appends ev durably and folds it into the projection. Every
// state-changing operation on Context must go through here: it persists
// before returning, per the checkpointing contract "MUST emit exactly
// one event and fsync before signalling success."
func (c *Context) checkpoint(ctx context.Context, kind Kind, source string, value interface{}) (Event, error) {
	encoded, err := EncodeValue(value)
	if err != nil {
		return Event{}, internal.NewInternalError("encode event value", err)
	}
	ev := Event{
		ExecutionID: c.executionID,
		Sequence:    c.nextSeq,
		Kind:        kind,
		Source:      source,
		Time:        c.clock.Now(),
		Value:       encoded,
	}
	if err := c.store.Append(ctx, c.executionID, []Event{ev}); err != nil {
		return Event{}, internal.NewStorageFailureError("append", err)
	}
	c.apply(ev)
	return ev, nil
}

// Start appends WORKFLOW_STARTED if this execution has no events yet
// (idempotent — a caller retrying start after a crash gets a nil error
// and no duplicate event).
func (c *Context) Start(ctx context.Context, input interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) > 0 {
		return nil
	}
	_, err := c.checkpoint(ctx, WorkflowStarted, c.workflowName, input)
	return err
}

// Event appends a new event to the log, the general entry point task
// runtime and composition primitives use to record TASK_* and CHECKPOINT
// events. It is exported so runtime/envelope.go (same package) and
// callers holding a *Context can drive arbitrary scoped events.
func (c *Context) Event(ctx context.Context, kind Kind, source string, value interface{}) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint(ctx, kind, source, value)
}

// Complete appends WORKFLOW_COMPLETED, ending the execution successfully.
func (c *Context) Complete(ctx context.Context, output interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec.State.IsTerminal() {
		return nil
	}
	_, err := c.checkpoint(ctx, WorkflowCompleted, c.workflowName, output)
	return err
}

// Fail appends WORKFLOW_FAILED with the structured error payload of §7.
func (c *Context) Fail(ctx context.Context, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec.State.IsTerminal() {
		return nil
	}
	_, err := c.checkpoint(ctx, WorkflowFailed, c.workflowName, internal.ToPayload(cause))
	return err
}

// Pause appends WORKFLOW_PAUSED with the given pause name, the event the
// `pause` built-in task emits (spec §4.2).
func (c *Context) Pause(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.checkpoint(ctx, WorkflowPaused, c.workflowName, map[string]string{"name": name})
	return err
}

// Resume transitions a PAUSED execution back to RUNNING. A resume of a
// non-paused execution is an error, per spec §4.1.
func (c *Context) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec.State != StatePaused {
		return internal.NewConflictError(fmt.Sprintf("cannot resume execution in state %s", c.exec.State))
	}
	_, err := c.checkpoint(ctx, WorkflowResumed, c.workflowName, nil)
	return err
}

// Cancel requests cancellation. A cancel of a terminal execution is a
// no-op returning the current state, per spec §4.1; cancelling an
// already-cancelling execution is likewise idempotent.
func (c *Context) Cancel(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec.State.IsTerminal() || c.exec.State == StateCancelling {
		return c.exec.State, nil
	}
	_, err := c.checkpoint(ctx, WorkflowCancelRequest, c.workflowName, nil)
	return c.exec.State, err
}

// AckCancel appends WORKFLOW_CANCELLED once the worker has unwound the
// in-flight task chain, per spec §4.5's cooperative cancellation ack.
func (c *Context) AckCancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec.State != StateCancelling {
		return internal.NewConflictError(fmt.Sprintf("cannot ack cancel from state %s", c.exec.State))
	}
	_, err := c.checkpoint(ctx, WorkflowCancelled, c.workflowName, nil)
	return err
}

// Snapshot returns the current projected Execution summary row.
func (c *Context) Snapshot() Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.exec
	return snap
}

// Events returns a copy of the full event log accumulated so far, used
// by the worker protocol's checkpoint callback and by CHECKPOINT-replay
// consumers.
func (c *Context) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// NextSequence returns the sequence number the next appended event will
// receive, used by the worker protocol to validate contiguous checkpoint
// batches (spec §4.5).
func (c *Context) NextSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

func (c *Context) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec.State.IsTerminal()
}

func (c *Context) IsSucceeded() bool { return c.stateIs(StateCompleted) }
func (c *Context) IsFailed() bool    { return c.stateIs(StateFailed) }
func (c *Context) IsPaused() bool    { return c.stateIs(StatePaused) }
func (c *Context) IsCancelled() bool { return c.stateIs(StateCancelled) }

// IsCancelRequested reports whether cancellation is durable yet, the
// signal task runtime/composition primitives poll at every suspension
// point per spec §5: "once WORKFLOW_CANCEL_REQUESTED is durable, new task
// starts are refused."
func (c *Context) IsCancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec.State == StateCancelling || c.exec.State == StateCancelled
}

func (c *Context) stateIs(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec.State == s
}

// ExecutionID returns the owning execution's identifier.
func (c *Context) ExecutionID() string { return c.executionID }

// FindTaskCompleted scans the event log for a TASK_COMPLETED event at
// scopePath, implementing the replay rule of §4.3: "If a TASK_COMPLETED
// exists, return that value immediately." Returns ok=false if none
// exists yet.
func (c *Context) FindTaskCompleted(scopePath string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		ev := c.events[i]
		if ev.Source == scopePath && ev.Kind == TaskCompleted {
			return ev, true
		}
	}
	return Event{}, false
}

// FindTaskFailed scans the event log for a terminal TASK_FAILED event at
// scopePath, implementing the other half of the §4.3 replay rule.
func (c *Context) FindTaskFailed(scopePath string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		ev := c.events[i]
		if ev.Source == scopePath && ev.Kind == TaskFailed {
			return ev, true
		}
	}
	return Event{}, false
}
