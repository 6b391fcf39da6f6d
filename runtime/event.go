// Package runtime implements the Execution Context & Event Log and the
// Durable Task Runtime: the core event-sourced state machine of a single
// workflow execution (spec §4.1–§4.3).
package runtime

import (
	"context"
	"encoding/json"
	"time"
)

// Kind enumerates the event taxonomy of spec §4.2.
type Kind string

const (
	WorkflowStarted        Kind = "WORKFLOW_STARTED"
	WorkflowCompleted      Kind = "WORKFLOW_COMPLETED"
	WorkflowFailed         Kind = "WORKFLOW_FAILED"
	WorkflowPaused         Kind = "WORKFLOW_PAUSED"
	WorkflowResumed        Kind = "WORKFLOW_RESUMED"
	WorkflowCancelRequest  Kind = "WORKFLOW_CANCEL_REQUESTED"
	WorkflowCancelled      Kind = "WORKFLOW_CANCELLED"
	TaskStarted            Kind = "TASK_STARTED"
	TaskCompleted          Kind = "TASK_COMPLETED"
	TaskFailed             Kind = "TASK_FAILED"
	TaskRetryStarted       Kind = "TASK_RETRY_STARTED"
	TaskRetryCompleted     Kind = "TASK_RETRY_COMPLETED"
	TaskRetryFailed        Kind = "TASK_RETRY_FAILED"
	TaskFallbackStarted    Kind = "TASK_FALLBACK_STARTED"
	TaskFallbackCompleted  Kind = "TASK_FALLBACK_COMPLETED"
	TaskFallbackFailed     Kind = "TASK_FALLBACK_FAILED"
	TaskRollbackStarted    Kind = "TASK_ROLLBACK_STARTED"
	TaskRollbackCompleted  Kind = "TASK_ROLLBACK_COMPLETED"
	TaskRollbackFailed     Kind = "TASK_ROLLBACK_FAILED"
	Checkpoint             Kind = "CHECKPOINT"
)

// Event is the append-only unit of the execution log (spec §3). Sequence
// is dense and monotonic starting at 0 within one execution_id; once
// written an Event is never modified.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Kind        Kind            `json:"kind"`
	Source      string          `json:"source"`
	Time        time.Time       `json:"time"`
	Value       json.RawMessage `json:"value"`
}

// EncodeValue marshals v into an Event's opaque Value field. Kept as a
// package function (rather than a method on Event) so callers can build
// an Event literal and fill Value in one step.
func EncodeValue(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue unmarshals an Event's Value field into v.
func DecodeValue(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Store is the durable append-only backing of one execution's event log.
// persistence/postgres implements this against Postgres; an in-memory
// implementation backs tests. It is intentionally the only contract the
// runtime package depends on for durability — this is the seam
// SPEC_FULL.md's persistence layer plugs into.
type Store interface {
	// Append durably writes events, starting at the sequence immediately
	// following the last persisted event for executionID. Append must
	// fsync (or equivalent) before returning nil, per the checkpointing
	// contract in §4.1.
	Append(ctx context.Context, executionID string, events []Event) error
	// Load returns the full, ordered event log for executionID.
	Load(ctx context.Context, executionID string) ([]Event, error)
}
