package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/medrex/dlt-telehealth/pkg/database"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, maxRetries int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store := New(database.Wrap(sqlDB, logger.Discard()), logger.Discard(), maxRetries)
	store.newID = func() string { return "00000000-0000-0000-0000-000000000001" }
	return store, mock
}

var (
	upsertState  = regexp.QuoteMeta("INSERT INTO ledger_state")
	selectState  = regexp.QuoteMeta("SELECT value FROM ledger_state WHERE key = $1")
	nextSequence = regexp.QuoteMeta("INSERT INTO ledger_sequences")
	insertEvent  = regexp.QuoteMeta("INSERT INTO ledger_events")
	selectEvents = regexp.QuoteMeta("FROM ledger_events")
)

func TestStore_UpdateCommits(t *testing.T) {
	store, mock := setupTestStore(t, 3)

	mock.ExpectBegin()
	mock.ExpectExec(upsertState).
		WithArgs("consultation/1", []byte(`{"id":1}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Update(context.Background(), func(w ledger.Writer) error {
		return w.Put("consultation/1", []byte(`{"id":1}`))
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RetriesSerializationFailure(t *testing.T) {
	store, mock := setupTestStore(t, 3)

	mock.ExpectBegin()
	mock.ExpectExec(upsertState).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	mock.ExpectBegin()
	mock.ExpectExec(upsertState).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := store.Update(context.Background(), func(w ledger.Writer) error {
		calls++
		return w.Put("k", []byte("v"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RetryBudgetExhausted(t *testing.T) {
	store, mock := setupTestStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(selectState).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	err := store.Update(context.Background(), func(w ledger.Writer) error {
		_, err := w.Get("k")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CallbackErrorRollsBack(t *testing.T) {
	store, mock := setupTestStore(t, 3)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := store.Update(context.Background(), func(ledger.Writer) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetMissingKey(t *testing.T) {
	store, mock := setupTestStore(t, 3)

	mock.ExpectBegin()
	mock.ExpectQuery(selectState).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectCommit()

	err := store.View(context.Background(), func(r ledger.Reader) error {
		_, err := r.Get("missing")
		assert.ErrorIs(t, err, ledger.ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendAndReadEvents(t *testing.T) {
	store, mock := setupTestStore(t, 3)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(nextSequence).
		WithArgs("stream/record/ab").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(4)))
	mock.ExpectExec(insertEvent).
		WithArgs("record/ab", int64(4), "00000000-0000-0000-0000-000000000001", "viewed", []byte(`{"a":1}`), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var appended ledger.Event
	err := store.Update(context.Background(), func(w ledger.Writer) error {
		var err error
		appended, err = w.Append("record/ab", "viewed", []byte(`{"a":1}`), at)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), appended.Seq)

	mock.ExpectBegin()
	mock.ExpectQuery(selectEvents).
		WithArgs("record/ab", int64(3), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "stream", "seq", "type", "payload", "recorded_at"}).
			AddRow("00000000-0000-0000-0000-000000000001", "record/ab", int64(4), "viewed", []byte(`{"a":1}`), at))
	mock.ExpectCommit()

	err = store.View(context.Background(), func(r ledger.Reader) error {
		events, err := r.Events("record/ab", 3, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(4), events[0].Seq)
		assert.JSONEq(t, `{"a":1}`, string(events[0].Payload))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_BackendFailureIsUnavailable(t *testing.T) {
	store, mock := setupTestStore(t, 3)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := store.Update(context.Background(), func(ledger.Writer) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ViewRejectsWrites(t *testing.T) {
	store, mock := setupTestStore(t, 3)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.View(context.Background(), func(r ledger.Reader) error {
		return r.(ledger.Writer).Put("k", nil)
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
