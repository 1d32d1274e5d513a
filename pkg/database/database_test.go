package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/dlt-telehealth/pkg/config"
	"github.com/medrex/dlt-telehealth/pkg/logger"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return Wrap(sqlDB, logger.Discard()), mock
}

func TestConnectionString(t *testing.T) {
	dsn := ConnectionString(&config.DatabaseConfig{
		Host: "db", Port: 5432, User: "medrex", Password: "pw", Name: "telehealth", SSLMode: "disable",
	})
	assert.Equal(t, "host=db port=5432 user=medrex password=pw dbname=telehealth sslmode=disable", dsn)
}

func TestCreateSchema(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_sequences").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_ledger_events_type").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, db.CreateSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSchemaRollsBackOnFailure(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_state").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := db.CreateSchema(context.Background())
	assert.ErrorContains(t, err, "failed to apply schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectPing()
	assert.NoError(t, db.Health(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, db.Health(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
