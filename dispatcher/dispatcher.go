package dispatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/metrics"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the dispatcher's tunables, all named directly after
// spec §4.4.
type Config struct {
	ClaimAckTimeout  time.Duration
	MaxClaimAttempts int
	HeartbeatTimeout time.Duration
	ReEvaluateEvery  time.Duration
	ReEvaluateBurst  int
}

func (c Config) normalized() Config {
	if c.ClaimAckTimeout <= 0 {
		c.ClaimAckTimeout = 5 * time.Second
	}
	if c.MaxClaimAttempts <= 0 {
		c.MaxClaimAttempts = 3
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.ReEvaluateEvery <= 0 {
		c.ReEvaluateEvery = time.Second
	}
	if c.ReEvaluateBurst <= 0 {
		c.ReEvaluateBurst = 1
	}
	return c
}

// Sender pushes an assignment to a claimed worker over the worker
// protocol. It is supplied by the protocol/worker-transport layer; the
// dispatcher itself never speaks the wire protocol.
type Sender interface {
	SendExecute(ctx context.Context, workerID, executionID string, input []byte) error
}

// pendingAck tracks one outstanding claim waiting for the worker's
// CHECKPOINT/ack, so the claim-ack-timeout loop can revert it.
type pendingAck struct {
	executionID string
	workerID    string
	deadline    time.Time
}

// Dispatcher is the stateful assignment engine of spec §4.4: it reads
// SCHEDULED executions, matches them against the Registry's online
// workers, claims the winner via runtime.ExecutionStore's CAS, and
// tracks the claim-ack timeout until the worker confirms receipt.
//
// A single mutex guards the pending-ack set, mirroring spec §5's "the
// dispatcher's own short global lock over the ready queue" — matching
// passes are expected to be infrequent and cheap relative to task
// execution, so finer-grained locking isn't worth the complexity.
type Dispatcher struct {
	store    runtime.ExecutionStore
	registry *Registry
	sender   Sender
	clock    clockwork.Clock
	logger   *zap.Logger
	gauges   metrics.DispatcherGauges
	cfg      Config

	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]pendingAck // executionID -> ack wait

	breakers sync.Map // workerID -> *gobreaker.CircuitBreaker
}

func NewDispatcher(store runtime.ExecutionStore, registry *Registry, sender Sender, clock clockwork.Clock, logger *zap.Logger, scope metrics.Scope, cfg Config) *Dispatcher {
	if clock == nil {
		clock = clockwork.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()
	return &Dispatcher{
		store:    store,
		registry: registry,
		sender:   sender,
		clock:    clock,
		logger:   logger,
		gauges:   metrics.NewDispatcherGauges(scope),
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.ReEvaluateEvery), cfg.ReEvaluateBurst),
		pending:  make(map[string]pendingAck),
	}
}

// SetSender wires the Sender after construction, needed because the
// production Sender (server.Hub) itself depends on the Dispatcher as its
// AckHandler: the two are constructed back to back and linked here
// rather than introducing an import cycle between the two packages.
func (d *Dispatcher) SetSender(sender Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = sender
}

func (d *Dispatcher) breakerFor(workerID string) *gobreaker.CircuitBreaker {
	if b, ok := d.breakers.Load(workerID); ok {
		return b.(*gobreaker.CircuitBreaker)
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerID,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("dispatcher: worker circuit breaker state change",
				zap.String("worker_id", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	actual, _ := d.breakers.LoadOrStore(workerID, b)
	return actual.(*gobreaker.CircuitBreaker)
}

// Run drives the re-evaluation loop (spec §4.4's "periodic tick, plus
// triggers on new worker registration, capacity update, and new
// execution enqueued") until ctx is cancelled. Callers of Enqueue,
// registry mutations, and HandleAck should additionally call Tick
// themselves for the edge-triggered re-evaluations; Run supplies the
// periodic fallback.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		for _, w := range d.registry.ExpireStale(d.clock.Now(), d.cfg.HeartbeatTimeout) {
			d.WorkerOffline(ctx, w.WorkerID)
		}
		d.Tick(ctx)
		d.checkAckTimeouts(ctx)
	}
}

// Tick performs one matching pass: list SCHEDULED executions ordered
// by priority then FIFO, and assign as many as have an eligible
// worker.
func (d *Dispatcher) Tick(ctx context.Context) {
	start := d.clock.Now()
	scheduled, err := d.store.ListByState(ctx, runtime.StateScheduled)
	if err != nil {
		d.logger.Error("dispatcher: list scheduled executions", zap.Error(err))
		return
	}
	sort.SliceStable(scheduled, func(i, j int) bool {
		if scheduled[i].Priority != scheduled[j].Priority {
			return scheduled[i].Priority > scheduled[j].Priority
		}
		return scheduled[i].CreatedAt.Before(scheduled[j].CreatedAt)
	})
	d.gauges.QueueDepth(len(scheduled))

	online := d.registry.Online()
	free := 0
	for _, w := range online {
		if w.Status == WorkerOnline {
			free++
		}
	}
	d.gauges.FreeWorkers(free)

	for _, exec := range scheduled {
		req := ResourceRequest{
			CPU:      exec.ResourceCPU,
			MemoryMB: exec.ResourceMemoryMB,
			Packages: exec.ResourcePackages,
			Tags:     exec.ResourceTags,
		}
		worker, ok := selectWorker(online, req)
		if !ok {
			continue
		}
		d.assign(ctx, exec, worker)
		// Remove the just-assigned worker's free capacity from this
		// pass's snapshot so a second execution in the same tick
		// doesn't race ahead of the registry's own bookkeeping.
		for i := range online {
			if online[i].WorkerID == worker.WorkerID {
				online[i].InFlight++
				online[i].FreeCPU -= req.CPU
				online[i].FreeMemoryMB -= req.MemoryMB
				break
			}
		}
	}
	d.gauges.MatchLatency(d.clock.Now().Sub(start))
}

func (d *Dispatcher) assign(ctx context.Context, exec runtime.Execution, worker Worker) {
	ok, err := runtime.Claim(ctx, d.store, exec.ExecutionID, worker.WorkerID)
	if err != nil {
		d.logger.Error("dispatcher: claim", zap.String("execution_id", exec.ExecutionID), zap.Error(err))
		return
	}
	if !ok {
		// Another matching pass (or another dispatcher instance) beat
		// us to it; spec §8's no-double-claim property holds by
		// construction via the store's CAS.
		return
	}

	breaker := d.breakerFor(worker.WorkerID)
	_, sendErr := breaker.Execute(func() (interface{}, error) {
		return nil, d.sender.SendExecute(ctx, worker.WorkerID, exec.ExecutionID, exec.Input)
	})
	if sendErr != nil {
		d.logger.Warn("dispatcher: send execute failed, reverting",
			zap.String("execution_id", exec.ExecutionID), zap.String("worker_id", worker.WorkerID), zap.Error(sendErr))
		d.revertOrFail(ctx, exec.ExecutionID)
		return
	}

	d.mu.Lock()
	d.pending[exec.ExecutionID] = pendingAck{
		executionID: exec.ExecutionID,
		workerID:    worker.WorkerID,
		deadline:    d.clock.Now().Add(d.cfg.ClaimAckTimeout),
	}
	d.mu.Unlock()
	d.gauges.Assigned()
}

// HandleAck clears the pending claim-ack timeout for executionID,
// called when the worker's first CHECKPOINT arrives confirming it
// picked up the assignment.
func (d *Dispatcher) HandleAck(executionID string) {
	d.mu.Lock()
	delete(d.pending, executionID)
	d.mu.Unlock()
}

func (d *Dispatcher) checkAckTimeouts(ctx context.Context) {
	now := d.clock.Now()
	var timedOut []string
	d.mu.Lock()
	for id, p := range d.pending {
		if now.After(p.deadline) {
			timedOut = append(timedOut, id)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, id := range timedOut {
		d.revertOrFail(ctx, id)
	}
}

// revertOrFail implements spec §4.4: a claim-ack timeout reverts the
// execution to SCHEDULED with an incremented attempt counter, or fails
// it with NoWorkerAvailableError once max_claim_attempts is exhausted.
func (d *Dispatcher) revertOrFail(ctx context.Context, executionID string) {
	d.requeueOrFail(ctx, executionID, runtime.StateClaimed)
}

// requeueOrFail generalizes revertOrFail to any in-flight state: a
// claim-ack timeout reverts from CLAIMED (spec §4.4); a worker going
// OFFLINE after its claim was already acknowledged reverts from RUNNING
// or CANCELLING (spec §4.5, §8 property 8 "worker disconnect
// resilience"). Either way the execution goes back to SCHEDULED with an
// incremented attempt counter, or fails with NoWorkerAvailableError once
// max_claim_attempts is exhausted.
func (d *Dispatcher) requeueOrFail(ctx context.Context, executionID string, from runtime.State) {
	attempts, ok, err := runtime.RequeueInFlight(ctx, d.store, executionID, from)
	if err != nil {
		d.logger.Error("dispatcher: requeue in-flight execution", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if !ok {
		// executionID already moved on from `from` (completed, failed, or
		// reverted by a concurrent pass) between the caller's snapshot and
		// this call — nothing to requeue.
		return
	}
	d.gauges.Reverted()
	if attempts >= d.cfg.MaxClaimAttempts {
		if err := runtime.FailNoWorkerAvailable(ctx, d.store, executionID); err != nil {
			d.logger.Error("dispatcher: fail no worker available", zap.String("execution_id", executionID), zap.Error(err))
			return
		}
		d.gauges.NoWorkerAvailable()
		d.logger.Warn("dispatcher: execution exhausted max claim attempts",
			zap.String("execution_id", executionID), zap.Int("attempts", attempts),
			zap.Error(internal.NewNoWorkerAvailableError(executionID, attempts)))
	}
}

// WorkerOffline marks workerID offline and reassigns every execution it
// owned back to SCHEDULED, so the next Tick can hand them to a different
// worker. This covers both claims still waiting on a first checkpoint
// (tracked in d.pending) and executions that already progressed past
// that point — RUNNING, or cooperatively CANCELLING — which the pending
// map no longer tracks once HandleAck cleared them (spec §4.5 "missing
// heartbeat_timeout marks the worker OFFLINE and re-queues its in-flight
// executions"; spec §8 property 8).
func (d *Dispatcher) WorkerOffline(ctx context.Context, workerID string) {
	d.registry.SetStatus(workerID, WorkerOffline)

	type inFlight struct {
		executionID string
		from        runtime.State
	}

	seen := make(map[string]bool)
	var toRevert []inFlight

	d.mu.Lock()
	for id, p := range d.pending {
		if p.workerID == workerID {
			toRevert = append(toRevert, inFlight{id, runtime.StateClaimed})
			seen[id] = true
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	owned, err := d.store.ListInFlightByWorker(ctx, workerID)
	if err != nil {
		d.logger.Error("dispatcher: list in-flight executions for offline worker",
			zap.String("worker_id", workerID), zap.Error(err))
	}
	for _, exec := range owned {
		if seen[exec.ExecutionID] {
			continue
		}
		toRevert = append(toRevert, inFlight{exec.ExecutionID, exec.State})
	}

	for _, r := range toRevert {
		d.requeueOrFail(ctx, r.executionID, r.from)
	}
}
