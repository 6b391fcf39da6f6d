package runtime

import (
	"context"
	"fmt"

	"github.com/fluxworkflow/flux/internal"
)

// ExecutionStore is the durable summary-row contract of spec §9: reads
// and writes the `executions` projection (state, worker assignment,
// timestamps) that is cheap to query, while the full event log in Store
// remains authoritative for anything requiring strong consistency.
//
// The dispatcher drives SCHEDULED/CLAIMED bookkeeping directly against
// this contract rather than through a Context, because claim/assignment
// bookkeeping has no corresponding entry in the Event taxonomy of §4.2 —
// it is pre-execution queue management, not a workflow-visible event.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) error
	Get(ctx context.Context, executionID string) (Execution, error)
	// CompareAndSwapState attempts to move executionID from `from` to
	// `to`, setting workerID (nil to clear) and bumping UpdatedAt. It
	// must be atomic: spec §8 property 7 requires that of two workers
	// concurrently attempting to claim the same SCHEDULED execution,
	// exactly one succeeds.
	CompareAndSwapState(ctx context.Context, executionID string, from, to State, workerID *string) (bool, error)
	ListByState(ctx context.Context, state State) ([]Execution, error)
	// ListInFlightByWorker returns every execution currently assigned to
	// workerID whose state is CLAIMED, RUNNING, or CANCELLING — the three
	// states spec §3 ties to a non-null current_worker_id. Used when a
	// worker goes OFFLINE to find everything it owned so it can be
	// re-queued (spec §4.5 "re-queues its in-flight executions").
	ListInFlightByWorker(ctx context.Context, workerID string) ([]Execution, error)
	// IncrementClaimAttempts bumps executionID's ClaimAttempts counter
	// and returns the new value, used when a claim-ack times out (spec
	// §4.4 "revert to SCHEDULED with an incremented assignment attempt
	// counter").
	IncrementClaimAttempts(ctx context.Context, executionID string) (int, error)
}

// InFlightStates are the non-terminal states spec §3 ties to a non-null
// current_worker_id, shared by ExecutionStore implementations'
// ListInFlightByWorker query.
var InFlightStates = []State{StateClaimed, StateRunning, StateCancelling}

// Claim attempts to move execution from SCHEDULED to CLAIMED for
// workerID (spec §4.4 "Assignment"). Returns false without error if
// another worker already claimed it first — the no-double-claim
// property of spec §8.
func Claim(ctx context.Context, store ExecutionStore, executionID, workerID string) (bool, error) {
	return store.CompareAndSwapState(ctx, executionID, StateScheduled, StateClaimed, &workerID)
}

// RequeueInFlight reverts an in-flight execution (CLAIMED, RUNNING, or
// CANCELLING) back to SCHEDULED with an incremented claim-attempts
// counter, clearing the worker assignment. It covers both a claim-ack
// timeout (spec §4.4, from=CLAIMED) and a worker disconnecting after its
// claim was acknowledged (spec §4.5 "re-queues its in-flight executions",
// from=RUNNING or CANCELLING). ok is false without error if executionID's
// state had already moved on from `from` by the time this ran (e.g. it
// reached a terminal state first) — nothing to requeue in that case.
func RequeueInFlight(ctx context.Context, store ExecutionStore, executionID string, from State) (attempts int, ok bool, err error) {
	ok, err = store.CompareAndSwapState(ctx, executionID, from, StateScheduled, nil)
	if err != nil || !ok {
		return 0, ok, err
	}
	attempts, err = store.IncrementClaimAttempts(ctx, executionID)
	return attempts, true, err
}

// FailNoWorkerAvailable terminally fails a SCHEDULED execution once
// max_claim_attempts is exhausted (spec §4.4).
func FailNoWorkerAvailable(ctx context.Context, store ExecutionStore, executionID string) error {
	ok, err := store.CompareAndSwapState(ctx, executionID, StateScheduled, StateFailed, nil)
	if err != nil {
		return err
	}
	if !ok {
		return internal.NewConflictError(fmt.Sprintf("execution %s was not SCHEDULED", executionID))
	}
	return nil
}
