// Package postgres implements ledger.Store on PostgreSQL. Each Update runs in a
// SERIALIZABLE transaction, so the database detects same-key races and the
// losing transaction is re-run against the committed state.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/medrex/dlt-telehealth/pkg/database"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/logger"
)

// SQLSTATE codes PostgreSQL uses for transactions that lost a race
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// Store implements ledger.Store over a database.DB
type Store struct {
	db         *database.DB
	logger     *logger.Logger
	maxRetries int
	newID      func() string
}

var _ ledger.Store = (*Store)(nil)

// New creates a store. maxRetries bounds how often a serialization failure is retried.
func New(db *database.DB, log *logger.Logger, maxRetries int) *Store {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Store{
		db:         db,
		logger:     log,
		maxRetries: maxRetries,
		newID:      uuid.NewString,
	}
}

// View runs fn in a read-only snapshot
func (s *Store) View(ctx context.Context, fn func(ledger.Reader) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	return s.run(ctx, opts, func(t *txn) error { return fn(t) })
}

// Update runs fn in a serializable transaction
func (s *Store) Update(ctx context.Context, fn func(ledger.Writer) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	return s.run(ctx, opts, func(t *txn) error { return fn(t) })
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Health(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes the underlying pool
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, fn func(*txn) error) error {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := s.runOnce(ctx, opts, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrConflict) || attempt >= s.maxRetries {
			if errors.Is(err, ledger.ErrUnavailable) {
				s.logger.DatabaseOperation(ctx, "ledger_tx", time.Since(start).Milliseconds(), false, map[string]interface{}{
					"attempt": attempt + 1,
					"error":   err.Error(),
				})
			}
			return err
		}
		s.logger.WithContext(ctx).WithField("attempt", attempt+1).Debug("Retrying ledger transaction after serialization failure")
	}
}

func (s *Store) runOnce(ctx context.Context, opts *sql.TxOptions, fn func(*txn) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return classify(err)
	}

	t := &txn{ctx: ctx, tx: tx, newID: s.newID, readOnly: opts.ReadOnly}
	if err := fn(t); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

type txn struct {
	ctx      context.Context
	tx       *sql.Tx
	newID    func() string
	readOnly bool
}

func (t *txn) Get(key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM ledger_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrKeyNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return value, nil
}

func (t *txn) Put(key string, value []byte) error {
	if t.readOnly {
		return errors.New("ledger: write in read-only transaction")
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (t *txn) NextSequence(name string) (uint64, error) {
	if t.readOnly {
		return 0, errors.New("ledger: write in read-only transaction")
	}
	var next int64
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO ledger_sequences (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = ledger_sequences.value + 1
		RETURNING value`,
		name).Scan(&next)
	if err != nil {
		return 0, classify(err)
	}
	return uint64(next), nil
}

func (t *txn) Append(stream, eventType string, payload []byte, at time.Time) (ledger.Event, error) {
	seq, err := t.NextSequence(ledger.StreamSequence(stream))
	if err != nil {
		return ledger.Event{}, err
	}
	ev := ledger.Event{
		ID:         t.newID(),
		Stream:     stream,
		Seq:        seq,
		Type:       eventType,
		Payload:    payload,
		RecordedAt: at.UTC(),
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_events (stream, seq, id, type, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Stream, int64(ev.Seq), ev.ID, ev.Type, []byte(ev.Payload), ev.RecordedAt)
	if err != nil {
		return ledger.Event{}, classify(err)
	}
	return ev, nil
}

func (t *txn) Events(stream string, afterSeq uint64, limit int) ([]ledger.Event, error) {
	// A NULL limit means LIMIT ALL.
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, stream, seq, type, payload, recorded_at
		FROM ledger_events
		WHERE stream = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`,
		stream, int64(afterSeq), lim)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			ev      ledger.Event
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Stream, &seq, &ev.Type, &payload, &ev.RecordedAt); err != nil {
			return nil, classify(err)
		}
		ev.Seq = uint64(seq)
		ev.Payload = payload
		ev.RecordedAt = ev.RecordedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// classify maps driver errors onto the ledger sentinels, keeping the cause in the chain
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case serializationFailure, deadlockDetected:
			return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
}
