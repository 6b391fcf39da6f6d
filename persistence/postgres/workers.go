package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fluxworkflow/flux/dispatcher"
	"github.com/fluxworkflow/flux/internal"
	"github.com/jmoiron/sqlx"
)

type workerRow struct {
	WorkerID     string    `db:"worker_id"`
	Capabilities []byte    `db:"capabilities"`
	LastSeen     time.Time `db:"last_seen"`
	Status       string    `db:"status"`
	SessionToken string    `db:"session_token"`
}

func (r workerRow) toWorker() (dispatcher.Worker, error) {
	var caps dispatcher.Capabilities
	if err := json.Unmarshal(r.Capabilities, &caps); err != nil {
		return dispatcher.Worker{}, internal.NewInternalError("unmarshal worker capabilities", err)
	}
	return dispatcher.Worker{
		WorkerID:     r.WorkerID,
		Capabilities: caps,
		Status:       dispatcher.WorkerStatus(r.Status),
		LastSeen:     r.LastSeen,
	}, nil
}

// WorkerStore durably records worker registrations and session tokens so
// a restarted server can recognize reconnecting workers and reject a
// replayed EXECUTE ack from a worker_id it no longer trusts. The
// dispatcher's Registry remains the live, in-memory source of truth for
// matching (spec §5); this store backs it for restart recovery and audit,
// the way the teacher's sqlite-backed task-list state backs its in-memory
// poller bookkeeping.
type WorkerStore struct {
	db *sqlx.DB
}

func NewWorkerStore(db *sqlx.DB) *WorkerStore {
	return &WorkerStore{db: db}
}

func (s *WorkerStore) Upsert(ctx context.Context, w dispatcher.Worker, sessionToken string) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return internal.NewInternalError("marshal worker capabilities", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, capabilities, last_seen, status, session_token)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (worker_id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			last_seen = EXCLUDED.last_seen,
			status = EXCLUDED.status,
			session_token = EXCLUDED.session_token`,
		w.WorkerID, caps, w.LastSeen, string(w.Status), sessionToken)
	if err != nil {
		return internal.NewStorageFailureError("workers.upsert", err)
	}
	return nil
}

func (s *WorkerStore) TouchHeartbeat(ctx context.Context, workerID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET last_seen = $2 WHERE worker_id = $1`, workerID, now)
	if err != nil {
		return internal.NewStorageFailureError("workers.touch_heartbeat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return internal.NewStorageFailureError("workers.touch_heartbeat.rows_affected", err)
	}
	if n == 0 {
		return internal.NewNotFoundError("worker", workerID)
	}
	return nil
}

func (s *WorkerStore) SetStatus(ctx context.Context, workerID string, status dispatcher.WorkerStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET status = $2 WHERE worker_id = $1`, workerID, string(status))
	if err != nil {
		return internal.NewStorageFailureError("workers.set_status", err)
	}
	return nil
}

// SessionToken returns the session token the worker last registered with,
// so the server can validate subsequent requests claiming that worker_id.
func (s *WorkerStore) SessionToken(ctx context.Context, workerID string) (string, error) {
	var token string
	err := s.db.GetContext(ctx, &token, `SELECT session_token FROM workers WHERE worker_id = $1`, workerID)
	if err == sql.ErrNoRows {
		return "", internal.NewNotFoundError("worker", workerID)
	}
	if err != nil {
		return "", internal.NewStorageFailureError("workers.session_token", err)
	}
	return token, nil
}

// ListOnline returns every worker not marked OFFLINE, used to rehydrate
// the dispatcher's Registry after a server restart.
func (s *WorkerStore) ListOnline(ctx context.Context) ([]dispatcher.Worker, error) {
	var rows []workerRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM workers WHERE status != 'OFFLINE'`)
	if err != nil {
		return nil, internal.NewStorageFailureError("workers.list_online", err)
	}
	out := make([]dispatcher.Worker, 0, len(rows))
	for _, r := range rows {
		w, err := r.toWorker()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
