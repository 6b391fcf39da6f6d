// Package metrics provides thin helpers around uber-go/tally scopes,
// the same metrics library the teacher threads through its task pollers
// (tally.Scope field on workflowTaskPoller).
package metrics

import (
	"time"

	"github.com/uber-go/tally"
)

// Scope is re-exported so callers outside this package don't need to
// import tally directly just to accept one.
type Scope = tally.Scope

// Noop is the default scope used when the caller hasn't wired a metrics
// backend, matching the teacher's practice of defaulting to a no-op
// reporter rather than requiring one.
var Noop = tally.NoopScope

// TaskCounters groups the per-task-runtime counters named in §4.3/§8.
type TaskCounters struct {
	scope Scope
}

func NewTaskCounters(scope Scope) TaskCounters {
	if scope == nil {
		scope = Noop
	}
	return TaskCounters{scope: scope.SubScope("flux.task")}
}

func (c TaskCounters) Started(taskName string)   { c.scope.Tagged(map[string]string{"task": taskName}).Counter("started").Inc(1) }
func (c TaskCounters) Completed(taskName string)  { c.scope.Tagged(map[string]string{"task": taskName}).Counter("completed").Inc(1) }
func (c TaskCounters) Retried(taskName string)    { c.scope.Tagged(map[string]string{"task": taskName}).Counter("retried").Inc(1) }
func (c TaskCounters) Failed(taskName string)     { c.scope.Tagged(map[string]string{"task": taskName}).Counter("failed").Inc(1) }
func (c TaskCounters) CacheHit(taskName string)   { c.scope.Tagged(map[string]string{"task": taskName}).Counter("cache_hit").Inc(1) }
func (c TaskCounters) AttemptLatency(taskName string, d time.Duration) {
	c.scope.Tagged(map[string]string{"task": taskName}).Timer("attempt_latency").Record(d)
}

// DispatcherGauges groups the dispatcher's queue-depth and match-latency
// instrumentation (§4.4).
type DispatcherGauges struct {
	scope Scope
}

func NewDispatcherGauges(scope Scope) DispatcherGauges {
	if scope == nil {
		scope = Noop
	}
	return DispatcherGauges{scope: scope.SubScope("flux.dispatcher")}
}

func (g DispatcherGauges) QueueDepth(n int)               { g.scope.Gauge("queue_depth").Update(float64(n)) }
func (g DispatcherGauges) FreeWorkers(n int)              { g.scope.Gauge("free_workers").Update(float64(n)) }
func (g DispatcherGauges) MatchLatency(d time.Duration)   { g.scope.Timer("match_latency").Record(d) }
func (g DispatcherGauges) Assigned()                      { g.scope.Counter("assigned").Inc(1) }
func (g DispatcherGauges) Reverted()                      { g.scope.Counter("reverted").Inc(1) }
func (g DispatcherGauges) NoWorkerAvailable()              { g.scope.Counter("no_worker_available").Inc(1) }
