package occ

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/medrex/dlt-telehealth/pkg/ledger"
)

type memoryEntry struct {
	value   []byte
	version uint64
}

// MemoryBackend is a Backend held in process memory, used for tests and
// single-process development deployments
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

// NewMemory creates a Store over a fresh in-memory backend
func NewMemory(opts ...Option) *Store {
	return New(NewMemoryBackend(), opts...)
}

func (m *MemoryBackend) Load(key string) ([]byte, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, 0, ledger.ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, nil
	}
	return cloneBytes(e.value), e.version, nil
}

func (m *MemoryBackend) Scan(start, end string) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ledger.ErrClosed
	}
	var out []KV
	for k, e := range m.entries {
		if k >= start && k < end {
			out = append(out, KV{Key: k, Value: cloneBytes(e.value)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryBackend) Commit(reads map[string]uint64, writes map[string][]byte) error {
	if len(writes) == 0 {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.validate(reads)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validate(reads); err != nil {
		return err
	}
	for k, v := range writes {
		e := m.entries[k]
		m.entries[k] = memoryEntry{value: cloneBytes(v), version: e.version + 1}
	}
	return nil
}

func (m *MemoryBackend) validate(reads map[string]uint64) error {
	if m.closed {
		return ledger.ErrClosed
	}
	for k, version := range reads {
		if m.entries[k].version != version {
			return ledger.ErrConflict
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func encodeEvent(ev ledger.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(raw []byte) (ledger.Event, error) {
	var ev ledger.Event
	err := json.Unmarshal(raw, &ev)
	return ev, err
}
