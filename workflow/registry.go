package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/metrics"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/fluxworkflow/flux/secrets"
	"github.com/fluxworkflow/flux/storage"
	"github.com/fluxworkflow/flux/worker"
	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"
)

// Workflow is the authoring interface of spec §9's design note: a
// compiled object with one entry method, replacing the teacher's
// dynamically shipped workflow source.
type Workflow interface {
	Run(c *Context, input json.RawMessage) (json.RawMessage, error)
}

// Factory constructs a fresh Workflow instance for one execution. A new
// instance per execution keeps workflow bodies free of cross-execution
// shared mutable state, the same isolation the teacher gets from
// re-interpreting workflow source per run.
type Factory func() Workflow

// Source is the opaque bytes catalog.Workflow.Source carries: a
// registration-time pointer at a Factory registered in this process,
// per spec §9's "a plugin-loading strategy or a registration-time code
// submission path is acceptable provided it preserves the event-sourced
// semantics."
type Source struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Encode serializes a Source descriptor for catalog.Workflow.Source.
func (s Source) Encode() []byte {
	raw, _ := json.Marshal(s)
	return raw
}

// Registry maps a registered workflow name+version to the Factory that
// builds its runnable instance.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func key(name string, version int) string { return fmt.Sprintf("%s@%d", name, version) }

// Register binds name/version to factory. Re-registering the same
// name/version overwrites the prior binding, for hot-reload during
// development; the catalog itself still treats the name/version pair as
// immutable once a real execution has referenced it.
func (r *Registry) Register(name string, version int, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key(name, version)] = factory
}

func (r *Registry) Lookup(name string, version int) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key(name, version)]
	return f, ok
}

// Dependencies bundles the per-execution collaborators Runner threads
// into each runtime.Envelope: secrets/cache/output are all optional.
type Dependencies struct {
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Tracer  opentracing.Tracer
	Metrics metrics.Scope
	Secrets secrets.Store
	Cache   runtime.CacheStore
	Output  storage.Store
}

// Runner builds a worker.Runner that resolves the EXECUTE payload's
// opaque workflow_source into a registered Factory, constructs the
// per-execution workflow.Context/runtime.Envelope, and drives the
// workflow body to one of COMPLETED/FAILED/PAUSED, or to CANCELLED when
// cancellation was requested.
func (r *Registry) Runner(deps Dependencies) worker.Runner {
	return func(ctx context.Context, execCtx *runtime.Context, source, input json.RawMessage) (json.RawMessage, error) {
		var src Source
		if err := json.Unmarshal(source, &src); err != nil {
			return nil, internal.NewValidationError("malformed workflow source descriptor", err)
		}
		factory, ok := r.Lookup(src.Name, src.Version)
		if !ok {
			return nil, internal.NewNotFoundError("workflow", fmt.Sprintf("%s@%d", src.Name, src.Version))
		}

		env := runtime.NewEnvelope(execCtx, deps.Clock, deps.Logger, deps.Tracer, deps.Metrics, deps.Secrets, deps.Cache, deps.Output)
		wfCtx := New(ctx, execCtx, env)

		if err := execCtx.Start(ctx, input); err != nil {
			return nil, err
		}

		output, err := factory().Run(wfCtx, input)
		switch {
		case err == nil:
			if cerr := execCtx.Complete(ctx, output); cerr != nil {
				return nil, cerr
			}
			return output, nil
		case IsPaused(err):
			// WORKFLOW_PAUSED is already durable (Context.Pause appended
			// it); the execution simply stops here until resume.
			return nil, nil
		case execCtx.IsCancelRequested():
			if aerr := execCtx.AckCancel(ctx); aerr != nil {
				return nil, aerr
			}
			return nil, err
		default:
			if ferr := execCtx.Fail(ctx, err); ferr != nil {
				return nil, ferr
			}
			return nil, err
		}
	}
}
