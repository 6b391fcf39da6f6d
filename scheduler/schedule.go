// Package scheduler implements the single-instance cron scheduler of
// spec §4.6: it owns every enabled Schedule, fires one new execution
// per due tick, and enforces the at-most-one-backfill and
// concurrency-guard rules.
package scheduler

import (
	"context"
	"encoding/json"
	"time"
)

// Schedule is the persisted row of spec §6's abstract `schedules` table,
// extended with Timezone and AllowOverlap per SPEC_FULL's supplemented
// features (the spec names both concepts in prose — "in the schedule's
// timezone", "configurable to allow overlap" — without giving them a
// column).
type Schedule struct {
	ScheduleID    string
	WorkflowName  string
	Trigger       string // standard 5-field cron expression
	InputTemplate json.RawMessage
	Enabled       bool
	Timezone      string // IANA name; "" means UTC
	AllowOverlap  bool
	LastFiredAt   time.Time
	NextFireAt    time.Time
}

// Store is the persistence contract the scheduler reads/writes against.
type Store interface {
	ListEnabled(ctx context.Context) ([]Schedule, error)
	Update(ctx context.Context, s Schedule) error
	Create(ctx context.Context, s Schedule) error
	Get(ctx context.Context, scheduleID string) (Schedule, error)
	Delete(ctx context.Context, scheduleID string) error
	SetEnabled(ctx context.Context, scheduleID string, enabled bool) error
}

// Enqueuer starts a new execution of workflowName with the given input,
// implemented by whatever sits in front of the dispatcher's SCHEDULED
// queue (normally the client/admin API's run()). scheduleID is passed
// through so the Enqueuer can tag the resulting execution, letting a
// RunningChecker later answer IsRunning(scheduleID) accurately.
type Enqueuer interface {
	Enqueue(ctx context.Context, scheduleID, workflowName string, input json.RawMessage) (executionID string, err error)
}

// RunningChecker reports whether scheduleID currently has a
// non-terminal execution in flight, backing the "never enqueue more
// than one concurrent execution with the same schedule_id by default"
// rule of §4.6.
type RunningChecker interface {
	IsRunning(ctx context.Context, scheduleID string) (bool, error)
}
