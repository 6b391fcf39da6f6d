package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/fingerprint"
	"github.com/fluxworkflow/flux/internal/id"
	"github.com/fluxworkflow/flux/internal/metrics"
	"github.com/fluxworkflow/flux/storage"
	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"
)

// outputRefMarker is the JSON shape an output-storage reference takes
// once embedded in a TASK_COMPLETED event, per spec §4.3 "stores only a
// reference ({storage_type, reference_id, metadata}) in the event."
type outputRefMarker struct {
	FluxOutputRef *storage.Reference `json:"$flux_output_ref"`
}

// ResolveOutput dereferences a task's recorded output: if it is a
// storage reference marker, it is fetched from store; otherwise value
// is returned unchanged. Composition primitives and API consumers call
// this when reading a task's output back out of the event log.
func ResolveOutput(ctx context.Context, value json.RawMessage, store storage.Store) (json.RawMessage, error) {
	var marker outputRefMarker
	if err := json.Unmarshal(value, &marker); err == nil && marker.FluxOutputRef != nil {
		if store == nil {
			return nil, internal.NewStorageFailureError("output.resolve", fmt.Errorf("no output store configured"))
		}
		return store.Retrieve(ctx, *marker.FluxOutputRef)
	}
	return value, nil
}

// Func is the signature every task body, fallback and output-storage
// adapter callback is invoked with: opaque JSON in, opaque JSON out. The
// runtime never deserializes into task-specific Go types — that's the
// authoring surface's job (package workflow).
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// FallbackFunc additionally receives the terminal error of the exhausted
// retry chain, per spec §4.3 "invoked with the original arguments and the
// terminal error."
type FallbackFunc func(ctx context.Context, args json.RawMessage, cause error) (json.RawMessage, error)

// RollbackFunc is best-effort cleanup; its own failure is recorded but
// never changes the task's terminal outcome.
type RollbackFunc func(ctx context.Context, args json.RawMessage) error

// SecretsResolver is the subset of secrets.Store the envelope needs:
// an atomic multi-name lookup that fails all-or-nothing (spec §4.7).
type SecretsResolver interface {
	Get(ctx context.Context, names []string) (map[string]string, error)
}

// CacheStore is the subset of cache.Store the envelope needs.
type CacheStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
}

// Spec describes one task invocation to be run through the envelope:
// the retry/fallback/rollback/timeout/cache configuration of spec §4.3.
type Spec struct {
	Name      string
	ScopePath string
	Run       Func
	Args      interface{}

	Retry    RetryPolicy
	Timeout  time.Duration
	Fallback FallbackFunc
	Rollback RollbackFunc

	Cache    bool
	CacheTTL time.Duration

	SecretRequests []string

	// OutputThresholdBytes, when > 0 and the envelope has an OutputStore
	// configured, diverts any successful result larger than this to the
	// store, recording only a reference in the event (spec §4.3 "output
	// storage").
	OutputThresholdBytes int
	ExternalOutput        bool
}

// Envelope is the Durable Task Runtime of spec §4.3: it wraps a task
// Spec's invocation with checkpointed retry/fallback/rollback/timeout/
// cache semantics against a single execution's Context.
//
// Grounded on the teacher's workflowExecutionEventHandlerImpl/ActivityTaskHandler
// split (internal_task_pollers.go) for the started/completed/failed event
// triple, and on internal/common/backoff/retry.go for the attempt loop
// shape; the fallback/rollback chain and replay-skip rule are this
// system's own addition over what the teacher's activity retry does.
type Envelope struct {
	execCtx      *Context
	clock        clockwork.Clock
	logger       *zap.Logger
	tracer       opentracing.Tracer
	taskCounters metrics.TaskCounters
	secrets      SecretsResolver
	cache        CacheStore
	output       storage.Store
	workflowName string
}

// NewEnvelope constructs an Envelope bound to one execution's Context.
// secrets, cache and output may be nil; a nil cache disables
// Spec.Cache lookups, a nil secrets resolver fails any
// Spec.SecretRequests immediately, and a nil output store disables
// Spec.OutputThresholdBytes/ExternalOutput diversion.
func NewEnvelope(execCtx *Context, clock clockwork.Clock, logger *zap.Logger, tracer opentracing.Tracer, scope metrics.Scope, secrets SecretsResolver, cache CacheStore, output storage.Store) *Envelope {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	return &Envelope{
		execCtx:      execCtx,
		clock:        clock,
		logger:       logger,
		tracer:       tracer,
		taskCounters: metrics.NewTaskCounters(scope),
		secrets:      secrets,
		cache:        cache,
		output:       output,
		workflowName: execCtx.workflowName,
	}
}

// Run executes spec against the envelope's execution, returning the
// task's output. It implements, in order: the replay-skip rule, the
// cooperative-cancellation check, secret resolution, the cache lookup,
// and finally the retry -> fallback -> rollback chain.
func (e *Envelope) Run(ctx context.Context, spec Spec) (json.RawMessage, error) {
	if ev, ok := e.execCtx.FindTaskCompleted(spec.ScopePath); ok {
		return ev.Value, nil
	}
	if ev, ok := e.execCtx.FindTaskFailed(spec.ScopePath); ok {
		var p internal.Payload
		_ = DecodeValue(ev.Value, &p)
		return nil, internal.NewUserTaskFailureError(spec.ScopePath, fmt.Errorf("%s", p.Message))
	}
	if e.execCtx.IsCancelRequested() {
		return nil, internal.NewCancelledError(spec.ScopePath)
	}

	argsRaw, err := EncodeValue(spec.Args)
	if err != nil {
		return nil, internal.NewInternalError("encode task args", err)
	}

	var secretValues map[string]string
	if len(spec.SecretRequests) > 0 {
		if e.secrets == nil {
			return nil, internal.NewSecretMissingError(spec.SecretRequests)
		}
		secretValues, err = e.secrets.Get(ctx, spec.SecretRequests)
		if err != nil {
			return nil, err
		}
	}

	var cacheKey string
	if spec.Cache && e.cache != nil {
		cacheKey, err = fingerprint.CacheKey(e.workflowName, spec.ScopePath, spec.Args)
		if err == nil {
			if cached, ok, _ := e.cache.Get(ctx, cacheKey); ok {
				e.taskCounters.CacheHit(spec.Name)
				if _, err := e.execCtx.Event(ctx, TaskStarted, spec.ScopePath, spec.Args); err != nil {
					return nil, err
				}
				if _, err := e.execCtx.Event(ctx, TaskCompleted, spec.ScopePath, cached); err != nil {
					return nil, err
				}
				return cached, nil
			}
		}
	}

	e.taskCounters.Started(spec.Name)
	if _, err := e.execCtx.Event(ctx, TaskStarted, spec.ScopePath, spec.Args); err != nil {
		return nil, err
	}

	output, runErr := e.runRetryChain(ctx, spec, argsRaw, secretValues)
	if runErr == nil {
		e.taskCounters.Completed(spec.Name)
		if spec.Cache && e.cache != nil && cacheKey != "" {
			_ = e.cache.Set(ctx, cacheKey, output, spec.CacheTTL)
		}
		recorded, err := e.divertToOutputStore(ctx, spec, output)
		if err != nil {
			return nil, err
		}
		if _, err := e.execCtx.Event(ctx, TaskCompleted, spec.ScopePath, recorded); err != nil {
			return nil, err
		}
		return recorded, nil
	}

	e.taskCounters.Failed(spec.Name)
	return e.runFallbackChain(ctx, spec, argsRaw, secretValues, runErr)
}

// runRetryChain drives the attempt loop: every attempt before the last
// configured one is wrapped in TASK_RETRY_STARTED/COMPLETED/FAILED; the
// final configured attempt is unwrapped, its failure recorded directly
// as TASK_FAILED ("of primary", per spec §4.3's property-3 sequence).
func (e *Envelope) runRetryChain(ctx context.Context, spec Spec, argsRaw json.RawMessage, secrets map[string]string) (json.RawMessage, error) {
	policy := spec.Retry.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		isLast := attempt == policy.MaxAttempts

		if attempt > 1 {
			if e.execCtx.IsCancelRequested() {
				return nil, internal.NewCancelledError(spec.ScopePath)
			}
			if !e.sleep(ctx, policy.NextDelay(attempt)) {
				return nil, internal.NewCancelledError(spec.ScopePath)
			}
			if e.execCtx.IsCancelRequested() {
				return nil, internal.NewCancelledError(spec.ScopePath)
			}
		}

		if !isLast {
			if _, err := e.execCtx.Event(ctx, TaskRetryStarted, spec.ScopePath, attemptMarker(attempt)); err != nil {
				return nil, err
			}
		}

		out, err := e.runAttempt(ctx, spec, argsRaw, secrets)
		if err == nil {
			if !isLast {
				e.taskCounters.Retried(spec.Name)
				if _, evErr := e.execCtx.Event(ctx, TaskRetryCompleted, spec.ScopePath, attemptMarker(attempt)); evErr != nil {
					return nil, evErr
				}
			}
			return out, nil
		}

		lastErr = err
		if !internal.IsRetryable(err) {
			if _, evErr := e.execCtx.Event(ctx, TaskFailed, spec.ScopePath, internal.ToPayload(err)); evErr != nil {
				return nil, evErr
			}
			return nil, err
		}

		if !isLast {
			e.taskCounters.Retried(spec.Name)
			if _, evErr := e.execCtx.Event(ctx, TaskRetryFailed, spec.ScopePath, internal.ToPayload(err)); evErr != nil {
				return nil, evErr
			}
			continue
		}

		if _, evErr := e.execCtx.Event(ctx, TaskFailed, spec.ScopePath, internal.ToPayload(err)); evErr != nil {
			return nil, evErr
		}
	}
	return nil, lastErr
}

// runFallbackChain runs, in order, the configured fallback and then the
// configured rollback once the retry chain is exhausted, finishing with
// the terminal outcome event per spec §4.3's fallback/rollback sequence.
func (e *Envelope) runFallbackChain(ctx context.Context, spec Spec, argsRaw json.RawMessage, secrets map[string]string, primaryErr error) (json.RawMessage, error) {
	finalErr := primaryErr
	ranAnyStage := false

	if spec.Fallback != nil && !e.execCtx.IsCancelRequested() {
		ranAnyStage = true
		if _, err := e.execCtx.Event(ctx, TaskFallbackStarted, spec.ScopePath, nil); err != nil {
			return nil, err
		}
		out, err := e.runFallback(ctx, spec, argsRaw, secrets, primaryErr)
		if err == nil {
			if _, evErr := e.execCtx.Event(ctx, TaskFallbackCompleted, spec.ScopePath, out); evErr != nil {
				return nil, evErr
			}
			e.taskCounters.Completed(spec.Name)
			if _, evErr := e.execCtx.Event(ctx, TaskCompleted, spec.ScopePath, out); evErr != nil {
				return nil, evErr
			}
			return out, nil
		}
		if _, evErr := e.execCtx.Event(ctx, TaskFallbackFailed, spec.ScopePath, internal.ToPayload(err)); evErr != nil {
			return nil, evErr
		}
		finalErr = err
	}

	if spec.Rollback != nil {
		ranAnyStage = true
		if _, err := e.execCtx.Event(ctx, TaskRollbackStarted, spec.ScopePath, nil); err != nil {
			return nil, err
		}
		if rerr := e.runRollback(ctx, spec, argsRaw, secrets); rerr != nil {
			if _, evErr := e.execCtx.Event(ctx, TaskRollbackFailed, spec.ScopePath, internal.ToPayload(rerr)); evErr != nil {
				return nil, evErr
			}
		} else {
			if _, evErr := e.execCtx.Event(ctx, TaskRollbackCompleted, spec.ScopePath, nil); evErr != nil {
				return nil, evErr
			}
		}
	}

	if ranAnyStage {
		if _, err := e.execCtx.Event(ctx, TaskFailed, spec.ScopePath, internal.ToPayload(finalErr)); err != nil {
			return nil, err
		}
	}
	return nil, internal.NewUserTaskFailureError(spec.ScopePath, finalErr)
}

func (e *Envelope) runFallback(ctx context.Context, spec Spec, argsRaw json.RawMessage, secrets map[string]string, cause error) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = internal.NewInternalError(fmt.Sprintf("fallback panic: %v", r), nil)
		}
	}()
	return spec.Fallback(e.withSecretsIfAny(ctx, secrets), argsRaw, cause)
}

func (e *Envelope) runRollback(ctx context.Context, spec Spec, argsRaw json.RawMessage, secrets map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = internal.NewInternalError(fmt.Sprintf("rollback panic: %v", r), nil)
		}
	}()
	return spec.Rollback(e.withSecretsIfAny(ctx, secrets), argsRaw)
}

// runAttempt runs one attempt of spec.Run, racing it against
// spec.Timeout (when set) and the envelope clock, and against ctx/
// cancellation. A panicking task body is recovered into an InternalError
// rather than crashing the worker process.
func (e *Envelope) runAttempt(ctx context.Context, spec Spec, argsRaw json.RawMessage, secrets map[string]string) (json.RawMessage, error) {
	attemptCtx := e.withSecretsIfAny(ctx, secrets)

	var span opentracing.Span
	span, attemptCtx = opentracing.StartSpanFromContextWithTracer(attemptCtx, e.tracer, spec.Name)
	defer span.Finish()

	start := e.clock.Now()
	defer func() {
		e.taskCounters.AttemptLatency(spec.Name, e.clock.Now().Sub(start))
	}()

	type result struct {
		out json.RawMessage
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{nil, internal.NewInternalError(fmt.Sprintf("task panic: %v", r), nil)}
			}
		}()
		out, err := spec.Run(attemptCtx, argsRaw)
		resCh <- result{out, err}
	}()

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timeoutCh = e.clock.After(spec.Timeout)
	}

	select {
	case r := <-resCh:
		return r.out, r.err
	case <-timeoutCh:
		return nil, internal.NewTaskTimeoutError(spec.ScopePath, 0)
	case <-ctx.Done():
		return nil, internal.NewCancelledError(spec.ScopePath)
	case <-e.execCtx.Done():
		return nil, internal.NewCancelledError(spec.ScopePath)
	}
}

// sleep waits d, returning false if cancellation wins the race first.
// d <= 0 returns true immediately without blocking.
func (e *Envelope) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-e.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-e.execCtx.Done():
		return false
	}
}

type secretsKey struct{}

// withSecretsIfAny attaches resolved secret values to ctx for the task
// body to read via SecretsFromContext, per spec §4.7's "injected before
// the first attempt" wording.
func (e *Envelope) withSecretsIfAny(ctx context.Context, secrets map[string]string) context.Context {
	if len(secrets) == 0 {
		return ctx
	}
	return context.WithValue(ctx, secretsKey{}, secrets)
}

// SecretsFromContext returns the secret values a task's envelope resolved
// for it, if any were requested.
func SecretsFromContext(ctx context.Context) map[string]string {
	v, _ := ctx.Value(secretsKey{}).(map[string]string)
	return v
}

func attemptMarker(attempt int) map[string]int {
	return map[string]int{"attempt": attempt}
}

// divertToOutputStore writes output to e.output and returns a reference
// marker in its place when spec.ExternalOutput is set or output exceeds
// spec.OutputThresholdBytes, per spec §4.3 "output storage." With no
// output store configured, or output below threshold, output passes
// through unchanged.
func (e *Envelope) divertToOutputStore(ctx context.Context, spec Spec, output json.RawMessage) (json.RawMessage, error) {
	if e.output == nil {
		return output, nil
	}
	overThreshold := spec.OutputThresholdBytes > 0 && len(output) > spec.OutputThresholdBytes
	if !spec.ExternalOutput && !overThreshold {
		return output, nil
	}
	ref, err := e.output.Store(ctx, id.NewPrefixed("out"), output)
	if err != nil {
		return nil, err
	}
	marker, err := json.Marshal(outputRefMarker{FluxOutputRef: &ref})
	if err != nil {
		return nil, internal.NewInternalError("encode output reference", err)
	}
	return marker, nil
}
