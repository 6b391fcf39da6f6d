package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestEventStoreAppendInsertsAndProjects(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewEventStore(db)

	now := time.Now().UTC()
	events := []runtime.Event{
		{ExecutionID: "exec-1", Sequence: 1, Kind: runtime.WorkflowStarted, Source: "system", Time: now, Value: []byte(`{"x":1}`)},
		{ExecutionID: "exec-1", Sequence: 2, Kind: runtime.WorkflowCompleted, Source: "system", Time: now, Value: []byte(`{"y":2}`)},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WithArgs("exec-1", int64(1), string(runtime.WorkflowStarted), "system", now, []byte(`{"x":1}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO events").WithArgs("exec-1", int64(2), string(runtime.WorkflowCompleted), "system", now, []byte(`{"y":2}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE executions SET state = 'COMPLETED'").WithArgs("exec-1", []byte(`{"y":2}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Append(context.Background(), "exec-1", events)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreAppendEmptyIsNoop(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewEventStore(db)

	err := store.Append(context.Background(), "exec-1", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreAppendRollsBackOnInsertFailure(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewEventStore(db)

	now := time.Now().UTC()
	events := []runtime.Event{
		{ExecutionID: "exec-1", Sequence: 1, Kind: runtime.WorkflowStarted, Source: "system", Time: now, Value: []byte(`{}`)},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.Append(context.Background(), "exec-1", events)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreLoadOrdersBySequence(t *testing.T) {
	db, mock := newMockStore(t)
	store := NewEventStore(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"execution_id", "sequence", "kind", "source", "time", "value"}).
		AddRow("exec-1", int64(1), string(runtime.WorkflowStarted), "system", now, []byte(`{}`)).
		AddRow("exec-1", int64(2), string(runtime.TaskCompleted), "task-a", now, []byte(`{"v":1}`))

	mock.ExpectQuery("SELECT execution_id, sequence, kind, source, time, value").WithArgs("exec-1").WillReturnRows(rows)

	events, err := store.Load(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, runtime.WorkflowStarted, events[0].Kind)
	assert.Equal(t, runtime.TaskCompleted, events[1].Kind)
	assert.Equal(t, int64(2), events[1].Sequence)
}
