package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/logger"
)

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, "stgen_runs", logger.NewNullLogger()), mock
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock := setupMockStore(t)
	s := summary("run-1", time.Now())

	expectedQuery := regexp.QuoteMeta("INSERT INTO stgen_runs (run_id, role, started_at, ended_at, sent, received, lost, loss, summary) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (run_id) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("run-1", "receiver", s.StartedAt, s.EndedAt, int64(0), int64(990), int64(10), 0.01, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Save(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveConflictIsNotAnError(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("INSERT INTO stgen_runs").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Save(context.Background(), summary("run-1", time.Now())))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveError(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("INSERT INTO stgen_runs").WillReturnError(sql.ErrConnDone)

	err := store.Save(context.Background(), summary("run-1", time.Now()))
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Error(t, store.Save(context.Background(), summary("", time.Now())))
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := setupMockStore(t)
	s := summary("run-1", time.Now())
	data, err := json.Marshal(s)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT summary FROM stgen_runs WHERE run_id = $1")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"summary"}).AddRow(data))

	got, err := store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, uint64(990), got.Received)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("SELECT summary FROM stgen_runs").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"summary"}))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()
	newer, err := json.Marshal(summary("new", now))
	require.NoError(t, err)
	older, err := json.Marshal(summary("old", now.Add(-time.Hour)))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT summary FROM stgen_runs ORDER BY ended_at DESC")).
		WillReturnRows(sqlmock.NewRows([]string{"summary"}).
			AddRow(newer).
			AddRow([]byte("{not json")).
			AddRow(older))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].RunID)
	assert.Equal(t, "old", list[1].RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS stgen_runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CloseAndName(t *testing.T) {
	store, mock := setupMockStore(t)
	assert.Equal(t, "postgres", store.Name())

	mock.ExpectClose()
	assert.NoError(t, store.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenPostgres_InvalidConfig(t *testing.T) {
	_, err := OpenPostgres(context.Background(), &config.PostgresConfig{Table: "runs", MaxOpenConns: 1}, logger.NewNullLogger())
	assert.EqualError(t, err, "dsn is required")
}
