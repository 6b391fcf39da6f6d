// Package client implements the admin/API surface of spec §6: the
// operations an operator or caller drives against a running Flux
// deployment — registering workflows, starting and tracking executions,
// and managing schedules and secrets. It is a thin orchestration layer
// over the catalog, runtime, dispatcher, scheduler, and secrets
// contracts; it owns no storage of its own.
//
// Grounded on the teacher's client.Client (temporal's top-level SDK
// client wrapping StartWorkflow/SignalWorkflow/QueryWorkflow/CancelWorkflow
// behind one facade over its own service stubs).
package client

import (
	"context"
	"time"

	"github.com/fluxworkflow/flux/catalog"
	"github.com/fluxworkflow/flux/dispatcher"
	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/id"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/fluxworkflow/flux/scheduler"
	"github.com/fluxworkflow/flux/secrets"
	"go.uber.org/zap"
)

// RunMode selects how Run waits for its result, per spec §6's
// `run(workflow_name, input, mode)`.
type RunMode string

const (
	RunAsync  RunMode = "async"
	RunSync   RunMode = "sync"
	RunStream RunMode = "stream"
)

// CancelMode selects whether Cancel waits for the execution to actually
// reach CANCELLED, per spec §6's `cancel(execution_id, mode)`.
type CancelMode string

const (
	CancelAsync CancelMode = "async"
	CancelSync  CancelMode = "sync"
)

// Notifier re-evaluates the dispatcher's assignment loop on demand,
// implemented by *dispatcher.Dispatcher in production; tests can supply
// a no-op. Run enqueues a new SCHEDULED execution and should trigger an
// edge-driven Tick rather than waiting for the dispatcher's periodic
// fallback, per spec §4.4.
type Notifier interface {
	Tick(ctx context.Context)
}

// CancelNotifier pushes the CANCEL command to an execution's live worker
// connection, implemented by *server.Hub in production. Cancel is a
// no-op over the wire when unset (e.g. in tests exercising only the
// durable event log), since the server's cancel-grace-period loop only
// matters once a worker is actually attached.
type CancelNotifier interface {
	SendCancel(ctx context.Context, workerID, executionID string, gracePeriodMS int64) error
}

// defaultCancelGracePeriod bounds how long Cancel waits for a worker's
// acknowledging WORKFLOW_CANCELLED checkpoint before the server force-
// reclaims the execution (spec §4.5).
const defaultCancelGracePeriod = 30 * time.Second

// Client is the admin/API facade of spec §6.
type Client struct {
	Catalog           catalog.Store
	Executions        runtime.ExecutionStore
	Events            runtime.Store
	Secrets           secrets.Store
	Schedules         scheduler.Store
	Dispatcher        Notifier
	CancelNotifier    CancelNotifier
	CancelGracePeriod time.Duration
	Clock             clockwork.Clock
	Logger            *zap.Logger
}

// New constructs a Client. A nil Dispatcher/Clock/Logger falls back to a
// no-op notifier, the real clock, and a no-op logger respectively; a nil
// CancelNotifier falls back to a no-op (Cancel still durably records the
// request either way).
func New(c Client) *Client {
	if c.Dispatcher == nil {
		c.Dispatcher = noopNotifier{}
	}
	if c.CancelNotifier == nil {
		c.CancelNotifier = noopCancelNotifier{}
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = defaultCancelGracePeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &c
}

type noopNotifier struct{}

func (noopNotifier) Tick(context.Context) {}

type noopCancelNotifier struct{}

func (noopCancelNotifier) SendCancel(context.Context, string, string, int64) error { return nil }

// RegisterWorkflow implements spec §6's `register_workflow(source,
// metadata) -> {name, version}`.
func (c *Client) RegisterWorkflow(ctx context.Context, entry catalog.Workflow) (name string, version int, err error) {
	if entry.Name == "" {
		return "", 0, internal.NewValidationError("workflow name is required", nil)
	}
	if len(entry.Source) == 0 {
		return "", 0, internal.NewValidationError("workflow source is required", nil)
	}
	version, err = c.Catalog.Register(ctx, entry)
	if err != nil {
		return "", 0, err
	}
	return entry.Name, version, nil
}

// ListWorkflows implements spec §6's `list_workflows() -> [{name,
// version}]`.
func (c *Client) ListWorkflows(ctx context.Context) ([]catalog.Workflow, error) {
	return c.Catalog.List(ctx)
}

// GetWorkflow implements spec §6's `get_workflow(name) -> workflow
// record`. version of 0 resolves to the latest registered version.
func (c *Client) GetWorkflow(ctx context.Context, name string, version int) (catalog.Workflow, error) {
	return c.Catalog.Get(ctx, name, version)
}

// RunOptions carries the resource/priority hints Run attaches to the new
// execution, read by the dispatcher's matcher (spec §4.4).
type RunOptions struct {
	Version    int
	Priority   int
	Resource   dispatcher.ResourceRequest
	ScheduleID string
}

// Run implements spec §6's `run(workflow_name, input, mode) ->
// execution_id | final state | event stream`. In RunAsync mode it
// returns as soon as the execution is durably SCHEDULED. In RunSync mode
// it polls until the execution reaches a terminal state or ctx is
// cancelled. RunStream is not meaningful over this synchronous call
// shape; callers wanting a live event stream should poll Status(...,
// detailed=true) themselves or consume the worker protocol directly —
// this method rejects RunStream explicitly rather than silently
// degrading to RunSync.
func (c *Client) Run(ctx context.Context, workflowName string, input []byte, mode RunMode, opts RunOptions) (runtime.Execution, error) {
	if mode == RunStream {
		return runtime.Execution{}, internal.NewValidationError("RunStream is not supported by this synchronous call; poll Status or consume the worker protocol", nil)
	}

	wf, err := c.Catalog.Get(ctx, workflowName, opts.Version)
	if err != nil {
		return runtime.Execution{}, err
	}

	now := c.Clock.Now()
	exec := runtime.Execution{
		ExecutionID:      id.NewPrefixed("exec"),
		WorkflowName:     workflowName,
		WorkflowVersion:  wf.Version,
		State:            runtime.StateScheduled,
		Input:            input,
		Priority:         opts.Priority,
		ResourceCPU:      opts.Resource.CPU,
		ResourceMemoryMB: opts.Resource.MemoryMB,
		ResourcePackages: opts.Resource.Packages,
		ResourceTags:     opts.Resource.Tags,
		ScheduleID:       opts.ScheduleID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.Executions.Create(ctx, exec); err != nil {
		return runtime.Execution{}, err
	}
	c.Dispatcher.Tick(ctx)

	if mode == RunAsync {
		return exec, nil
	}
	return c.awaitTerminal(ctx, exec.ExecutionID)
}

// Resume implements spec §6's `resume(workflow_name, execution_id)`,
// valid only when the execution is PAUSED.
func (c *Client) Resume(ctx context.Context, executionID string) error {
	execCtx, err := c.loadContext(ctx, executionID)
	if err != nil {
		return err
	}
	return execCtx.Resume(ctx)
}

// Cancel implements spec §6's `cancel(execution_id, mode)`: it requests
// cancellation and, in CancelSync mode, waits for the execution to reach
// CANCELLED (or any other terminal state, since a task may complete
// before observing the cancellation request). If the execution is
// currently assigned to a worker, it also pushes a live CANCEL over the
// worker protocol and starts that worker's grace period (spec §4.5); a
// worker that never acks is force-reclaimed by the server once the
// period elapses.
func (c *Client) Cancel(ctx context.Context, executionID string, mode CancelMode) (runtime.State, error) {
	execCtx, err := c.loadContext(ctx, executionID)
	if err != nil {
		return "", err
	}
	state, err := execCtx.Cancel(ctx)
	if err != nil {
		return "", err
	}

	if exec, getErr := c.Executions.Get(ctx, executionID); getErr == nil && exec.CurrentWorkerID != nil {
		if notifyErr := c.CancelNotifier.SendCancel(ctx, *exec.CurrentWorkerID, executionID, c.CancelGracePeriod.Milliseconds()); notifyErr != nil {
			c.Logger.Warn("client: send cancel to worker", zap.String("execution_id", executionID), zap.Error(notifyErr))
		}
	}

	if mode == CancelAsync {
		return state, nil
	}
	final, err := c.awaitTerminal(ctx, executionID)
	if err != nil {
		return "", err
	}
	return final.State, nil
}

// Status implements spec §6's `status(execution_id, detailed?) ->
// execution record [+ events]`.
func (c *Client) Status(ctx context.Context, executionID string, detailed bool) (runtime.Execution, []runtime.Event, error) {
	exec, err := c.Executions.Get(ctx, executionID)
	if err != nil {
		return runtime.Execution{}, nil, err
	}
	if !detailed {
		return exec, nil, nil
	}
	events, err := c.Events.Load(ctx, executionID)
	if err != nil {
		return runtime.Execution{}, nil, err
	}
	return exec, events, nil
}

// pollInterval bounds how often awaitTerminal re-checks execution state.
// It is intentionally a small fixed constant rather than a configurable
// field: sync Run/Cancel calls are a convenience for callers who don't
// want to build their own polling loop, not a low-latency notification
// path (that's what the worker protocol and a real event subscriber are
// for).
const pollInterval = 50 * time.Millisecond

func (c *Client) awaitTerminal(ctx context.Context, executionID string) (runtime.Execution, error) {
	ticker := c.Clock.Ticker(pollInterval)
	defer ticker.Stop()
	for {
		exec, err := c.Executions.Get(ctx, executionID)
		if err != nil {
			return runtime.Execution{}, err
		}
		if exec.State.IsTerminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return runtime.Execution{}, internal.NewCancelledError(executionID)
		case <-ticker.C:
		}
	}
}

func (c *Client) loadContext(ctx context.Context, executionID string) (*runtime.Context, error) {
	exec, err := c.Executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return runtime.Load(ctx, executionID, exec.WorkflowName, exec.WorkflowVersion, c.Events, c.Clock, c.Logger)
}
