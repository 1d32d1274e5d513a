// Package ledger defines the durable storage contract the engines run against:
// a key-value state with atomic multi-key updates and append-only, per-stream
// ordered event logs.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrKeyNotFound is returned by Reader.Get when the key has never been written.
	ErrKeyNotFound = errors.New("ledger: key not found")
	// ErrConflict reports a lost compare-and-write race. Stores retry internally
	// and only surface it once their retry budget is exhausted.
	ErrConflict = errors.New("ledger: write conflict")
	// ErrUnavailable classifies backend outages.
	ErrUnavailable = errors.New("ledger: unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger: store closed")
)

// Event is an entry of an append-only stream
type Event struct {
	ID         string          `json:"id"`
	Stream     string          `json:"stream"`
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Reader is the read side of a transaction
type Reader interface {
	Get(key string) ([]byte, error)
	// Events returns up to limit events of stream with Seq > afterSeq, in order.
	// A limit <= 0 returns every remaining event.
	Events(stream string, afterSeq uint64, limit int) ([]Event, error)
}

// Writer is the read-write side of a transaction
type Writer interface {
	Reader
	Put(key string, value []byte) error
	// NextSequence returns the next value of a storage-owned counter, starting at 1.
	NextSequence(name string) (uint64, error)
	// Append adds an event to stream; its Seq is the next value of the stream's counter.
	Append(stream, eventType string, payload []byte, at time.Time) (Event, error)
}

// Store runs transactions against durable state.
//
// Update is atomic: every Put and Append of fn commits, or none does. Updates
// that touch a common key are serialized; a losing Update re-runs fn against
// the winner's state. fn must therefore be free of side effects outside the Writer.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Writer) error) error
	Close() error
}

// Pinger is implemented by stores that can report backend liveness
type Pinger interface {
	Ping(ctx context.Context) error
}

// GetJSON loads and decodes the value at key. found is false when the key is absent.
func GetJSON[T any](r Reader, key string) (value T, found bool, err error) {
	raw, err := r.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return value, true, nil
}

// PutJSON encodes value and writes it at key
func PutJSON(w Writer, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return w.Put(key, raw)
}

// AppendJSON encodes payload and appends it to stream
func AppendJSON(w Writer, stream, eventType string, payload interface{}, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return w.Append(stream, eventType, raw, at)
}
