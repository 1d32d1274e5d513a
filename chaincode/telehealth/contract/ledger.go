package contract

import (
	"fmt"
	"sort"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/medrex/dlt-telehealth/internal/ledger/occ"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
)

// stubBackend runs the ledger over the world state of a single Fabric
// transaction. Read-set validation is left to the peer, so every key reports
// version 1 when present and Commit never conflicts.
type stubBackend struct {
	stub shim.ChaincodeStubInterface
}

var _ occ.Backend = (*stubBackend)(nil)

func (b *stubBackend) Load(key string) ([]byte, uint64, error) {
	value, err := b.stub.GetState(key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s from world state: %w", key, err)
	}
	if value == nil {
		return nil, 0, nil
	}
	return value, 1, nil
}

func (b *stubBackend) Scan(start, end string) ([]occ.KV, error) {
	iter, err := b.stub.GetStateByRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to range world state: %w", err)
	}
	defer iter.Close()

	var kvs []occ.KV
	for iter.HasNext() {
		kv, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate world state: %w", err)
		}
		kvs = append(kvs, occ.KV{Key: kv.Key, Value: kv.Value})
	}
	return kvs, nil
}

func (b *stubBackend) Commit(_ map[string]uint64, writes map[string][]byte) error {
	keys := make([]string, 0, len(writes))
	for k := range writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := b.stub.PutState(k, writes[k]); err != nil {
			return fmt.Errorf("failed to write %s to world state: %w", k, err)
		}
	}
	return nil
}

func (b *stubBackend) Close() error { return nil }

// newStore opens a ledger over the transaction of stub. Event ids derive from
// the transaction id so that every endorsing peer produces the same write set.
func newStore(stub shim.ChaincodeStubInterface) ledger.Store {
	txID := stub.GetTxID()
	var n int
	return occ.New(&stubBackend{stub: stub},
		occ.WithMaxRetries(0),
		occ.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("%s-%d", txID, n)
		}),
	)
}
