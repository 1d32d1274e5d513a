// Package leveldb provides a durable occ.Backend on goleveldb for single-node deployments.
package leveldb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/medrex/dlt-telehealth/internal/ledger/occ"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// versionSize is the length of the big-endian version stored before every value
const versionSize = 8

// Backend stores versioned values in LevelDB
type Backend struct {
	db   *leveldb.DB
	sync bool
	// commitMu orders validation and batch write of concurrent commits. It is
	// held only for the duration of a commit, never while a transaction runs.
	commitMu sync.RWMutex
}

var _ occ.Backend = (*Backend)(nil)

// Open opens (or creates) the database at path. With syncWrites every commit
// is fsynced before it is acknowledged.
func Open(path string, syncWrites bool) (*Backend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open leveldb %s: %v", ledger.ErrUnavailable, path, err)
	}
	return &Backend{db: db, sync: syncWrites}, nil
}

// NewStore opens the database at path and wraps it in an occ.Store
func NewStore(path string, syncWrites bool, opts ...occ.Option) (*occ.Store, error) {
	b, err := Open(path, syncWrites)
	if err != nil {
		return nil, err
	}
	return occ.New(b, opts...), nil
}

// Load returns the value and version stored at key
func (b *Backend) Load(key string) ([]byte, uint64, error) {
	raw, err := b.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, unavailable(err)
	}
	return decode(raw)
}

// Scan returns the values in [start, end) in key order
func (b *Backend) Scan(start, end string) ([]occ.KV, error) {
	iter := b.db.NewIterator(&util.Range{Start: []byte(start), Limit: []byte(end)}, nil)
	defer iter.Release()

	var out []occ.KV
	for iter.Next() {
		value, _, err := decode(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, occ.KV{Key: string(iter.Key()), Value: value})
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// Commit validates read versions and writes a batch atomically
func (b *Backend) Commit(reads map[string]uint64, writes map[string][]byte) error {
	if len(writes) == 0 {
		b.commitMu.RLock()
		defer b.commitMu.RUnlock()
		return b.validate(reads)
	}

	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	if err := b.validate(reads); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for key, value := range writes {
		version, ok := reads[key]
		if !ok {
			_, current, err := b.Load(key)
			if err != nil {
				return err
			}
			version = current
		}
		batch.Put([]byte(key), encode(version+1, value))
	}
	if err := b.db.Write(batch, &opt.WriteOptions{Sync: b.sync}); err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *Backend) validate(reads map[string]uint64) error {
	for key, version := range reads {
		_, current, err := b.Load(key)
		if err != nil {
			return err
		}
		if current != version {
			return ledger.ErrConflict
		}
	}
	return nil
}

// Ping reports whether the database answers reads
func (b *Backend) Ping() error {
	if _, err := b.db.GetProperty("leveldb.stats"); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close closes the database
func (b *Backend) Close() error {
	return b.db.Close()
}

func encode(version uint64, value []byte) []byte {
	out := make([]byte, versionSize+len(value))
	binary.BigEndian.PutUint64(out, version)
	copy(out[versionSize:], value)
	return out
}

func decode(raw []byte) ([]byte, uint64, error) {
	if len(raw) < versionSize {
		return nil, 0, fmt.Errorf("leveldb: corrupt value of %d bytes", len(raw))
	}
	value := make([]byte, len(raw)-versionSize)
	copy(value, raw[versionSize:])
	return value, binary.BigEndian.Uint64(raw), nil
}

func unavailable(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ledger.ErrClosed
	}
	return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
}
