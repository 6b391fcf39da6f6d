// Package dispatcher implements the Dispatcher & Resource Matcher of
// spec §4.4: it holds the priority queue of SCHEDULED executions, the
// worker registry, and the matching/assignment state machine.
package dispatcher

import (
	"sort"
	"time"
)

// Capabilities is the resource shape a worker advertises at
// registration (spec §4.4/§6).
type Capabilities struct {
	CPU      float64
	MemoryMB int64
	Packages []string
	Tags     []string
}

// ResourceRequest is what an execution needs to run, carried on the
// workflow/task definition.
type ResourceRequest struct {
	CPU      float64
	MemoryMB int64
	Packages []string
	Tags     []string
}

// WorkerStatus is the registry-side lifecycle of one worker connection.
type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = "ONLINE"
	WorkerOffline  WorkerStatus = "OFFLINE"
	WorkerDraining WorkerStatus = "DRAINING"
)

// Worker is the dispatcher's view of one connected worker: its
// advertised capabilities, current free capacity, and liveness.
type Worker struct {
	WorkerID      string
	Capabilities  Capabilities
	FreeCPU       float64
	FreeMemoryMB  int64
	MaxConcurrent int
	InFlight      int
	Status        WorkerStatus
	LastSeen      time.Time
}

// eligible reports whether w can run a task needing req, per spec
// §4.4's matching rule: CPU/memory availability, package and tag
// superset coverage, and not DRAINING.
func eligible(w Worker, req ResourceRequest) bool {
	if w.Status == WorkerDraining || w.Status != WorkerOnline {
		return false
	}
	if w.InFlight >= w.MaxConcurrent && w.MaxConcurrent > 0 {
		return false
	}
	if w.FreeCPU < req.CPU {
		return false
	}
	if w.FreeMemoryMB < req.MemoryMB {
		return false
	}
	if !supersetOf(w.Capabilities.Packages, req.Packages) {
		return false
	}
	if !supersetOf(w.Capabilities.Tags, req.Tags) {
		return false
	}
	return true
}

func supersetOf(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// selectWorker implements the fairness rule of spec §4.4: among
// eligible workers, prefer the one with the most free resources
// (best fit by remaining capacity, CPU then memory), breaking ties by
// oldest last_seen to spread load.
func selectWorker(workers []Worker, req ResourceRequest) (Worker, bool) {
	var candidates []Worker
	for _, w := range workers {
		if eligible(w, req) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return Worker{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.FreeCPU != b.FreeCPU {
			return a.FreeCPU > b.FreeCPU
		}
		if a.FreeMemoryMB != b.FreeMemoryMB {
			return a.FreeMemoryMB > b.FreeMemoryMB
		}
		return a.LastSeen.Before(b.LastSeen)
	})
	return candidates[0], true
}
