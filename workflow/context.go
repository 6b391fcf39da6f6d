// Package workflow is the authoring surface of spec §9's design note:
// "a compiled object implementing an interface with one entry method
// run(ctx) → output" in place of the teacher's dynamically shipped
// workflow source. Context wraps runtime.Envelope/runtime.Context with
// the ergonomic Task/Parallel/Pipeline/Map/Graph surface a workflow
// body calls directly, so user code never touches opaque JSON event
// plumbing.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxworkflow/flux/runtime"
	"github.com/fluxworkflow/flux/runtime/graph"
)

// Context is threaded explicitly through every workflow and task call —
// spec §9's "replace implicit thread-local access with an explicit
// context value," no hidden globals.
type Context struct {
	goCtx       context.Context
	exec        *runtime.Context
	env         *runtime.Envelope
	scopePrefix string
}

// New builds the root Context for one workflow execution.
func New(goCtx context.Context, exec *runtime.Context, env *runtime.Envelope) *Context {
	return &Context{goCtx: goCtx, exec: exec, env: env, scopePrefix: ""}
}

// Go returns the underlying context.Context, for task bodies that need
// to pass it to I/O calls (HTTP clients, database queries, ...).
func (c *Context) Go() context.Context { return c.goCtx }

// ExecutionID returns the owning execution's identifier.
func (c *Context) ExecutionID() string { return c.exec.ExecutionID() }

// Done returns the channel closed when cancellation becomes durable, the
// suspension point spec §5 calls out for cancellation-safe waits inside
// a task body's own select loops.
func (c *Context) Done() <-chan struct{} { return c.exec.Done() }

// IsCancelRequested reports whether WORKFLOW_CANCEL_REQUESTED is durable
// yet (spec §5: "once durable, new task starts are refused").
func (c *Context) IsCancelRequested() bool { return c.exec.IsCancelRequested() }

// Events returns the execution's event log so far, for workflow bodies
// that branch on replay state beyond the built-in TASK_COMPLETED skip
// rule (e.g. checking whether a resume has already happened).
func (c *Context) Events() []runtime.Event { return c.exec.Events() }

func (c *Context) scopePath(name string) string {
	if c.scopePrefix == "" {
		return name
	}
	return c.scopePrefix + "." + name
}

// sub returns a child Context whose scope path is prefixed by suffix,
// for composition primitives that fan out into distinct scopes per
// spec §4.3 ("distinct scope suffixes").
func (c *Context) sub(suffix string) *Context {
	return &Context{goCtx: c.goCtx, exec: c.exec, env: c.env, scopePrefix: c.scopePath(suffix)}
}

// withGoContext returns a shallow copy of c using goCtx as its
// context.Context, used by composition primitives to thread the
// per-child cancellable context runtime.Parallel/Map hand to each
// child's Run func.
func (c *Context) withGoContext(goCtx context.Context) *Context {
	cp := *c
	cp.goCtx = goCtx
	return &cp
}

// TaskOption configures one Task call's envelope behavior.
type TaskOption func(*runtime.Spec)

func WithRetry(policy runtime.RetryPolicy) TaskOption {
	return func(s *runtime.Spec) { s.Retry = policy }
}

func WithTimeout(d time.Duration) TaskOption {
	return func(s *runtime.Spec) { s.Timeout = d }
}

func WithFallback(fn runtime.FallbackFunc) TaskOption {
	return func(s *runtime.Spec) { s.Fallback = fn }
}

func WithRollback(fn runtime.RollbackFunc) TaskOption {
	return func(s *runtime.Spec) { s.Rollback = fn }
}

// WithCache enables the cache lookup of spec §4.3 with the given TTL.
func WithCache(ttl time.Duration) TaskOption {
	return func(s *runtime.Spec) {
		s.Cache = true
		s.CacheTTL = ttl
	}
}

func WithSecrets(names ...string) TaskOption {
	return func(s *runtime.Spec) { s.SecretRequests = names }
}

func WithExternalOutput() TaskOption {
	return func(s *runtime.Spec) { s.ExternalOutput = true }
}

func WithOutputThreshold(bytes int) TaskOption {
	return func(s *runtime.Spec) { s.OutputThresholdBytes = bytes }
}

// TaskFunc is a task body operating on opaque JSON, the primitive every
// typed helper (Call) is built on.
type TaskFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Task runs name through the durable envelope at this Context's current
// scope, implementing spec §4.1's replay rule transparently: calling
// Task again for a scope that already has a TASK_COMPLETED event
// returns the recorded value without invoking run.
func (c *Context) Task(name string, run TaskFunc, args interface{}, opts ...TaskOption) (json.RawMessage, error) {
	spec := runtime.Spec{
		Name:      name,
		ScopePath: c.scopePath(name),
		Run:       runtime.Func(run),
		Args:      args,
		Retry:     runtime.RetryPolicy{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return c.env.Run(c.goCtx, spec)
}

// Pause is the `pause` built-in task of spec §4.2: it appends
// WORKFLOW_PAUSED and returns errPaused, a sentinel the Runner
// recognizes to stop the workflow body without completing or failing
// the execution.
func (c *Context) Pause(name string) error {
	if err := c.exec.Pause(c.goCtx, name); err != nil {
		return err
	}
	return errPaused{name: name}
}

// errPaused is returned by Pause and recognized by IsPaused/Runner.
type errPaused struct{ name string }

func (e errPaused) Error() string { return fmt.Sprintf("workflow paused at %q", e.name) }

// IsPaused reports whether err is the sentinel Pause returns.
func IsPaused(err error) bool {
	_, ok := err.(errPaused)
	return ok
}

// SecretsFromContext returns the secret values resolved for the task
// currently in flight, mirroring runtime.SecretsFromContext for
// authoring code that doesn't import runtime directly.
func SecretsFromContext(ctx context.Context) map[string]string {
	return runtime.SecretsFromContext(ctx)
}

// Graph runs g against input, implementing the graph composition
// primitive of spec §4.3. Graph nodes run directly, not through the task
// envelope, so they use no scope path and record no events.
func (c *Context) Graph(g *graph.Graph, input json.RawMessage) (map[string]json.RawMessage, error) {
	return graph.Run(c.goCtx, g, input)
}
