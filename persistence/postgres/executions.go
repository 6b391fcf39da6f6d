package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// executionRow mirrors the executions table of spec §6.
type executionRow struct {
	ExecutionID      string         `db:"execution_id"`
	WorkflowName     string         `db:"workflow_name"`
	WorkflowVersion  int            `db:"workflow_version"`
	State            string         `db:"state"`
	Input            []byte         `db:"input"`
	Output           []byte         `db:"output"`
	Error            []byte         `db:"error"`
	WorkerID         sql.NullString `db:"worker_id"`
	ScheduleID       sql.NullString `db:"schedule_id"`
	ClaimAttempts    int            `db:"claim_attempts"`
	Priority         int            `db:"priority"`
	ResourceCPU      float64        `db:"resource_cpu"`
	ResourceMemoryMB int64          `db:"resource_memory_mb"`
	ResourcePackages pq.StringArray `db:"resource_packages"`
	ResourceTags     pq.StringArray `db:"resource_tags"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r executionRow) toExecution() runtime.Execution {
	exec := runtime.Execution{
		ExecutionID:      r.ExecutionID,
		WorkflowName:     r.WorkflowName,
		WorkflowVersion:  r.WorkflowVersion,
		State:            runtime.State(r.State),
		Input:            r.Input,
		Output:           r.Output,
		ClaimAttempts:    r.ClaimAttempts,
		Priority:         r.Priority,
		ResourceCPU:      r.ResourceCPU,
		ResourceMemoryMB: r.ResourceMemoryMB,
		ResourcePackages: []string(r.ResourcePackages),
		ResourceTags:     []string(r.ResourceTags),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.WorkerID.Valid {
		exec.CurrentWorkerID = &r.WorkerID.String
	}
	if r.ScheduleID.Valid {
		exec.ScheduleID = r.ScheduleID.String
	}
	if len(r.Error) > 0 {
		var p internal.Payload
		_ = runtime.DecodeValue(r.Error, &p)
		exec.Error = &p
	}
	return exec
}

// ExecutionStore implements runtime.ExecutionStore against Postgres.
type ExecutionStore struct {
	db *sqlx.DB
}

func NewExecutionStore(db *sqlx.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) Create(ctx context.Context, exec runtime.Execution) error {
	var scheduleID *string
	if exec.ScheduleID != "" {
		scheduleID = &exec.ScheduleID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			execution_id, workflow_name, workflow_version, state, input,
			worker_id, schedule_id, claim_attempts, priority,
			resource_cpu, resource_memory_mb, resource_packages, resource_tags,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		exec.ExecutionID, exec.WorkflowName, exec.WorkflowVersion, string(exec.State), []byte(exec.Input),
		exec.CurrentWorkerID, scheduleID, exec.ClaimAttempts, exec.Priority,
		exec.ResourceCPU, exec.ResourceMemoryMB, pq.StringArray(exec.ResourcePackages), pq.StringArray(exec.ResourceTags),
		exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return internal.NewStorageFailureError("executions.create", err)
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, executionID string) (runtime.Execution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE execution_id = $1`, executionID)
	if err == sql.ErrNoRows {
		return runtime.Execution{}, internal.NewNotFoundError("execution", executionID)
	}
	if err != nil {
		return runtime.Execution{}, internal.NewStorageFailureError("executions.get", err)
	}
	return row.toExecution(), nil
}

// CompareAndSwapState implements the atomic claim/revert primitive spec
// §8 property 7 requires: the UPDATE's WHERE clause pins both
// execution_id and the expected `from` state, so of two concurrent
// callers racing the same transition exactly one affects a row.
func (s *ExecutionStore) CompareAndSwapState(ctx context.Context, executionID string, from, to runtime.State, workerID *string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET state = $1, worker_id = $2, updated_at = now()
		WHERE execution_id = $3 AND state = $4`,
		string(to), workerID, executionID, string(from))
	if err != nil {
		return false, internal.NewStorageFailureError("executions.cas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internal.NewStorageFailureError("executions.cas.rows_affected", err)
	}
	return n == 1, nil
}

func (s *ExecutionStore) ListByState(ctx context.Context, state runtime.State) ([]runtime.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM executions WHERE state = $1 ORDER BY priority DESC, created_at ASC`, string(state))
	if err != nil {
		return nil, internal.NewStorageFailureError("executions.list_by_state", err)
	}
	out := make([]runtime.Execution, len(rows))
	for i, r := range rows {
		out[i] = r.toExecution()
	}
	return out, nil
}

// ListInFlightByWorker returns every CLAIMED/RUNNING/CANCELLING execution
// assigned to workerID, used when the worker goes OFFLINE so those
// executions can be re-queued (spec §4.5).
func (s *ExecutionStore) ListInFlightByWorker(ctx context.Context, workerID string) ([]runtime.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM executions
		WHERE worker_id = $1 AND state IN ('CLAIMED', 'RUNNING', 'CANCELLING')`, workerID)
	if err != nil {
		return nil, internal.NewStorageFailureError("executions.list_in_flight_by_worker", err)
	}
	out := make([]runtime.Execution, len(rows))
	for i, r := range rows {
		out[i] = r.toExecution()
	}
	return out, nil
}

func (s *ExecutionStore) IncrementClaimAttempts(ctx context.Context, executionID string) (int, error) {
	var attempts int
	err := s.db.GetContext(ctx, &attempts, `
		UPDATE executions SET claim_attempts = claim_attempts + 1, updated_at = now()
		WHERE execution_id = $1 RETURNING claim_attempts`, executionID)
	if err != nil {
		return 0, internal.NewStorageFailureError("executions.increment_claim_attempts", err)
	}
	return attempts, nil
}

var _ runtime.ExecutionStore = (*ExecutionStore)(nil)
