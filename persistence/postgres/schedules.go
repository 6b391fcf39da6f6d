package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/scheduler"
	"github.com/jmoiron/sqlx"
)

type scheduleRow struct {
	ScheduleID    string       `db:"schedule_id"`
	WorkflowName  string       `db:"workflow_name"`
	Trigger       string       `db:"trigger"`
	Timezone      string       `db:"timezone"`
	InputTemplate []byte       `db:"input_template"`
	Enabled       bool         `db:"enabled"`
	AllowOverlap  bool         `db:"allow_overlap"`
	LastFiredAt   sql.NullTime `db:"last_fired_at"`
	NextFireAt    time.Time    `db:"next_fire_at"`
}

func (r scheduleRow) toSchedule() scheduler.Schedule {
	s := scheduler.Schedule{
		ScheduleID:    r.ScheduleID,
		WorkflowName:  r.WorkflowName,
		Trigger:       r.Trigger,
		Timezone:      r.Timezone,
		InputTemplate: r.InputTemplate,
		Enabled:       r.Enabled,
		AllowOverlap:  r.AllowOverlap,
		NextFireAt:    r.NextFireAt,
	}
	if r.LastFiredAt.Valid {
		s.LastFiredAt = r.LastFiredAt.Time
	}
	return s
}

// ScheduleStore implements scheduler.Store against Postgres.
type ScheduleStore struct {
	db *sqlx.DB
}

func NewScheduleStore(db *sqlx.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) Create(ctx context.Context, sched scheduler.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (schedule_id, workflow_name, trigger, timezone, input_template, enabled, allow_overlap, next_fire_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sched.ScheduleID, sched.WorkflowName, sched.Trigger, sched.Timezone, []byte(sched.InputTemplate),
		sched.Enabled, sched.AllowOverlap, sched.NextFireAt)
	if err != nil {
		return internal.NewStorageFailureError("schedules.create", err)
	}
	return nil
}

func (s *ScheduleStore) Get(ctx context.Context, scheduleID string) (scheduler.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM schedules WHERE schedule_id = $1`, scheduleID)
	if err == sql.ErrNoRows {
		return scheduler.Schedule{}, internal.NewNotFoundError("schedule", scheduleID)
	}
	if err != nil {
		return scheduler.Schedule{}, internal.NewStorageFailureError("schedules.get", err)
	}
	return row.toSchedule(), nil
}

func (s *ScheduleStore) ListEnabled(ctx context.Context) ([]scheduler.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM schedules WHERE enabled = true`)
	if err != nil {
		return nil, internal.NewStorageFailureError("schedules.list_enabled", err)
	}
	out := make([]scheduler.Schedule, len(rows))
	for i, r := range rows {
		out[i] = r.toSchedule()
	}
	return out, nil
}

func (s *ScheduleStore) Update(ctx context.Context, sched scheduler.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_fired_at = $2, next_fire_at = $3 WHERE schedule_id = $1`,
		sched.ScheduleID, sched.LastFiredAt, sched.NextFireAt)
	if err != nil {
		return internal.NewStorageFailureError("schedules.update", err)
	}
	return nil
}

func (s *ScheduleStore) Delete(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return internal.NewStorageFailureError("schedules.delete", err)
	}
	return nil
}

func (s *ScheduleStore) SetEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = $2 WHERE schedule_id = $1`, scheduleID, enabled)
	if err != nil {
		return internal.NewStorageFailureError("schedules.set_enabled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return internal.NewStorageFailureError("schedules.set_enabled.rows_affected", err)
	}
	if n == 0 {
		return internal.NewNotFoundError("schedule", scheduleID)
	}
	return nil
}

var _ scheduler.Store = (*ScheduleStore)(nil)
