// Package occ implements ledger.Store with optimistic compare-and-write over a
// versioned key-value backend. Transactions record the version of every key
// they read; the backend commits only if none of those versions moved, so
// updates on disjoint keys proceed in parallel and same-key updates serialize.
package occ

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
)

// KV is a key/value pair returned by Backend.Scan
type KV struct {
	Key   string
	Value []byte
}

// Backend is a versioned key-value store
type Backend interface {
	// Load returns the value and version of key. An absent key has version 0.
	Load(key string) ([]byte, uint64, error)
	// Scan returns the pairs in [start, end) in key order.
	Scan(start, end string) ([]KV, error)
	// Commit applies writes if every key in reads still has the recorded version,
	// and returns ledger.ErrConflict otherwise. It must be atomic.
	Commit(reads map[string]uint64, writes map[string][]byte) error
	Close() error
}

// DefaultMaxRetries bounds how often a conflicting transaction is re-run
const DefaultMaxRetries = 16

// Option configures a Store
type Option func(*Store)

// WithMaxRetries sets the conflict retry budget
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithIDGenerator overrides event id generation
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// Store implements ledger.Store over a Backend
type Store struct {
	backend    Backend
	maxRetries int
	newID      func() string
	closed     atomic.Bool
}

var _ ledger.Store = (*Store)(nil)

// New creates a store over backend
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		maxRetries: DefaultMaxRetries,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// View runs fn against a consistent snapshot
func (s *Store) View(ctx context.Context, fn func(ledger.Reader) error) error {
	return s.run(ctx, func(t *txn) error { return fn(t) }, true)
}

// Update runs fn and commits its writes atomically
func (s *Store) Update(ctx context.Context, fn func(ledger.Writer) error) error {
	return s.run(ctx, func(t *txn) error { return fn(t) }, false)
}

// Ping checks the backend when it supports liveness probes
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ledger.ErrClosed
	}
	if p, ok := s.backend.(interface{ Ping() error }); ok {
		return p.Ping()
	}
	return ctx.Err()
}

// Close closes the backend
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) run(ctx context.Context, fn func(*txn) error, readOnly bool) error {
	for attempt := 0; ; attempt++ {
		if s.closed.Load() {
			return ledger.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		t := &txn{
			backend:  s.backend,
			newID:    s.newID,
			readOnly: readOnly,
			reads:    make(map[string]uint64),
			writes:   make(map[string][]byte),
		}
		if err := fn(t); err != nil {
			return err
		}

		writes := t.writes
		if readOnly {
			writes = nil
		}
		err := s.backend.Commit(t.reads, writes)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrConflict) {
			return err
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}
	}
}

type txn struct {
	backend  Backend
	newID    func() string
	readOnly bool
	reads    map[string]uint64
	writes   map[string][]byte
}

func (t *txn) Get(key string) ([]byte, error) {
	if v, ok := t.writes[key]; ok {
		return cloneBytes(v), nil
	}
	value, version, err := t.backend.Load(key)
	if err != nil {
		return nil, err
	}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = version
	}
	if version == 0 {
		return nil, ledger.ErrKeyNotFound
	}
	return value, nil
}

func (t *txn) Put(key string, value []byte) error {
	if t.readOnly {
		return errors.New("ledger: write in read-only transaction")
	}
	if key == "" {
		return errors.New("ledger: empty key")
	}
	t.writes[key] = cloneBytes(value)
	return nil
}

func (t *txn) NextSequence(name string) (uint64, error) {
	key := ledger.SequenceKey(name)
	var current uint64
	raw, err := t.Get(key)
	switch {
	case errors.Is(err, ledger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if current, err = ledger.DecodeSequence(raw); err != nil {
			return 0, err
		}
	}
	next := current + 1
	if err := t.Put(key, ledger.EncodeSequence(next)); err != nil {
		return 0, err
	}
	return next, nil
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
		Payload:    cloneBytes(payload),
		RecordedAt: at.UTC(),
	}
	raw, err := encodeEvent(ev)
	if err != nil {
		return ledger.Event{}, err
	}
	if err := t.Put(ledger.EventKey(stream, seq), raw); err != nil {
		return ledger.Event{}, err
	}
	return ev, nil
}

func (t *txn) Events(stream string, afterSeq uint64, limit int) ([]ledger.Event, error) {
	start, end := ledger.EventRange(stream, afterSeq)
	committed, err := t.backend.Scan(start, end)
	if err != nil {
		return nil, err
	}

	merged := make(map[string][]byte, len(committed))
	for _, kv := range committed {
		merged[kv.Key] = kv.Value
	}
	for k, v := range t.writes {
		if k >= start && k < end && ledger.IsEventKey(k) {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	events := make([]ledger.Event, 0, len(keys))
	for _, k := range keys {
		ev, err := decodeEvent(merged[k])
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", k, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
