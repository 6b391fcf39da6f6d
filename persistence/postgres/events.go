package postgres

import (
	"context"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/jmoiron/sqlx"
)

// eventRow mirrors the events table, named after spec §3's abstract
// schema: primary key (execution_id, sequence), append-only.
type eventRow struct {
	ExecutionID string    `db:"execution_id"`
	Sequence    int64     `db:"sequence"`
	Kind        string    `db:"kind"`
	Source      string    `db:"source"`
	Time        time.Time `db:"time"`
	Value       []byte    `db:"value"`
}

// EventStore implements runtime.Store against Postgres: an insert-only
// events table plus the executions summary-row projection update spec
// §9 describes ("UPDATE only on the summary row").
type EventStore struct {
	db *sqlx.DB
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db}
}

// Append inserts events and, within the same transaction, updates the
// executions projection from the last event in the batch; that UPDATE
// touches only the executions summary row, never the events table,
// per §9.
func (s *EventStore) Append(ctx context.Context, executionID string, events []runtime.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return internal.NewStorageFailureError("events.append.begin", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (execution_id, sequence, kind, source, time, value)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ExecutionID, ev.Sequence, string(ev.Kind), ev.Source, ev.Time, []byte(ev.Value))
		if err != nil {
			return internal.NewStorageFailureError("events.append.insert", err)
		}
	}

	last := events[len(events)-1]
	if err := projectExecution(ctx, tx, last); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return internal.NewStorageFailureError("events.append.commit", err)
	}
	return nil
}

// projectExecution folds the terminal/state-carrying kinds of an event
// into the executions summary row, mirroring runtime.Context.apply's
// in-memory projection but against the durable row.
func projectExecution(ctx context.Context, tx *sqlx.Tx, ev runtime.Event) error {
	switch ev.Kind {
	case runtime.WorkflowStarted:
		_, err := tx.ExecContext(ctx, `UPDATE executions SET state = 'RUNNING', input = $2, updated_at = $3 WHERE execution_id = $1`,
			ev.ExecutionID, []byte(ev.Value), ev.Time)
		return wrapProjectErr(err)
	case runtime.WorkflowCompleted:
		_, err := tx.ExecContext(ctx, `UPDATE executions SET state = 'COMPLETED', output = $2, updated_at = $3 WHERE execution_id = $1`,
			ev.ExecutionID, []byte(ev.Value), ev.Time)
		return wrapProjectErr(err)
	case runtime.WorkflowFailed:
		_, err := tx.ExecContext(ctx, `UPDATE executions SET state = 'FAILED', error = $2, updated_at = $3 WHERE execution_id = $1`,
			ev.ExecutionID, []byte(ev.Value), ev.Time)
		return wrapProjectErr(err)
	case runtime.WorkflowPaused:
		_, err := tx.ExecContext(ctx, `UPDATE executions SET state = 'PAUSED', updated_at = $2 WHERE execution_id = $1`,
			ev.ExecutionID, ev.Time)
		return wrapProjectErr(err)
	case runtime.WorkflowResumed:
		_, err := tx.ExecContext(ctx, `UPDATE executions SET state = 'RUNNING', updated_at = $2 WHERE execution_id = $1`,
			ev.ExecutionID, ev.Time)
		return wrapProjectErr(err)
	case runtime.WorkflowCancelRequest:
		_, err := tx.ExecContext(ctx, `UPDATE executions SET state = 'CANCELLING', updated_at = $2 WHERE execution_id = $1`,
			ev.ExecutionID, ev.Time)
		return wrapProjectErr(err)
	case runtime.WorkflowCancelled:
		_, err := tx.ExecContext(ctx, `UPDATE executions SET state = 'CANCELLED', updated_at = $2 WHERE execution_id = $1`,
			ev.ExecutionID, ev.Time)
		return wrapProjectErr(err)
	default:
		_, err := tx.ExecContext(ctx, `UPDATE executions SET updated_at = $2 WHERE execution_id = $1`, ev.ExecutionID, ev.Time)
		return wrapProjectErr(err)
	}
}

func wrapProjectErr(err error) error {
	if err != nil {
		return internal.NewStorageFailureError("events.append.project", err)
	}
	return nil
}

// Load returns the full ordered event log for executionID.
func (s *EventStore) Load(ctx context.Context, executionID string) ([]runtime.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT execution_id, sequence, kind, source, time, value
		FROM events WHERE execution_id = $1 ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, internal.NewStorageFailureError("events.load", err)
	}
	out := make([]runtime.Event, len(rows))
	for i, r := range rows {
		out[i] = runtime.Event{
			ExecutionID: r.ExecutionID,
			Sequence:    r.Sequence,
			Kind:        runtime.Kind(r.Kind),
			Source:      r.Source,
			Time:        r.Time,
			Value:       r.Value,
		}
	}
	return out, nil
}

var _ runtime.Store = (*EventStore)(nil)
