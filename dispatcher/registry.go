package dispatcher

import (
	"sync"
	"time"

	"github.com/fluxworkflow/flux/internal"
)

// Registry is the dispatcher's single-writer-per-worker_id view of
// connected workers (spec §5 "Worker registry: single-writer per
// worker_id; reads may be slightly stale"). It is intentionally a
// plain in-memory map guarded by one mutex rather than per-worker
// locks: registrations/heartbeats are infrequent relative to matching
// passes, so one short global lock (mirroring the dispatcher's own
// short global lock over the ready queue, per spec §5) is simpler and
// fast enough.
type Registry struct {
	mu      sync.Mutex
	workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.Status = WorkerOnline
	r.workers[w.WorkerID] = w
}

func (r *Registry) Heartbeat(workerID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return internal.NewNotFoundError("worker", workerID)
	}
	w.LastSeen = now
	if w.Status == WorkerOffline {
		w.Status = WorkerOnline
	}
	r.workers[workerID] = w
	return nil
}

// UpdateCapacity adjusts a worker's free resources and in-flight count,
// called on assignment, completion, or an explicit capacity report.
func (r *Registry) UpdateCapacity(workerID string, freeCPU float64, freeMemoryMB int64, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.FreeCPU = freeCPU
	w.FreeMemoryMB = freeMemoryMB
	w.InFlight = inFlight
	r.workers[workerID] = w
}

func (r *Registry) SetStatus(workerID string, status WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.Status = status
	r.workers[workerID] = w
}

func (r *Registry) Get(workerID string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	return w, ok
}

// Online returns a snapshot of every worker not OFFLINE, for the
// matcher to select from.
func (r *Registry) Online() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status != WorkerOffline {
			out = append(out, w)
		}
	}
	return out
}

// ExpireStale marks every worker whose LastSeen is older than
// heartbeatTimeout as OFFLINE, returning the ones just transitioned so
// the caller can re-queue their in-flight executions (spec §4.5
// "missing heartbeat_timeout marks the worker OFFLINE and re-queues its
// in-flight executions").
func (r *Registry) ExpireStale(now time.Time, heartbeatTimeout time.Duration) []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Worker
	for id, w := range r.workers {
		if w.Status == WorkerOffline {
			continue
		}
		if now.Sub(w.LastSeen) > heartbeatTimeout {
			w.Status = WorkerOffline
			r.workers[id] = w
			expired = append(expired, w)
		}
	}
	return expired
}
