package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStoreCreate(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewExecutionStore(db)

	now := time.Now().UTC()
	exec := runtime.Execution{
		ExecutionID:     "exec-1",
		WorkflowName:    "order.process",
		WorkflowVersion: 1,
		State:           runtime.StateScheduled,
		Input:           []byte(`{"order_id":1}`),
		Priority:        5,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), exec)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionStoreGetNotFound(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewExecutionStore(db)

	mock.ExpectQuery("SELECT \\* FROM executions").WithArgs("missing").WillReturnRows(sqlmock.NewRows(nil))

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestExecutionStoreCompareAndSwapStateSucceedsOnce(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewExecutionStore(db)
	workerID := "worker-1"

	mock.ExpectExec("UPDATE executions SET state = \\$1, worker_id = \\$2").
		WithArgs(string(runtime.StateRunning), &workerID, "exec-1", string(runtime.StateScheduled)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.CompareAndSwapState(context.Background(), "exec-1", runtime.StateScheduled, runtime.StateRunning, &workerID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecutionStoreCompareAndSwapStateLosesRace(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewExecutionStore(db)
	workerID := "worker-2"

	mock.ExpectExec("UPDATE executions SET state = \\$1, worker_id = \\$2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.CompareAndSwapState(context.Background(), "exec-1", runtime.StateScheduled, runtime.StateRunning, &workerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutionStoreIncrementClaimAttempts(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewExecutionStore(db)

	rows := sqlmock.NewRows([]string{"claim_attempts"}).AddRow(3)
	mock.ExpectQuery("UPDATE executions SET claim_attempts").WithArgs("exec-1").WillReturnRows(rows)

	n, err := store.IncrementClaimAttempts(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
