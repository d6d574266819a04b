package ledger

import (
	"github.com/dgraph-io/badger/v3"

	"github.com/botho-network/botho/storage"
	"github.com/botho-network/botho/types"
)

// Snapshot is an immutable read view of the ledger. It pins a badger
// MVCC transaction, so it observes exactly the state at the moment it
// was taken no matter how many blocks commit afterwards. Callers must
// Close it.
type Snapshot struct {
	txn        *badger.Txn
	hasTip     bool
	tipHeight  uint64
	tipHash    types.Hash
	nextOutput types.OutputIndex
}

// Snapshot takes a read view at the current tip.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{
		txn:        s.db.ReadTxn(),
		hasTip:     s.hasTip,
		tipHeight:  s.tipHeight,
		tipHash:    s.tipHash,
		nextOutput: s.nextOutput,
	}
}

// Close releases the pinned transaction.
func (v *Snapshot) Close() {
	v.txn.Discard()
}

// Tip returns the snapshot's tip.
func (v *Snapshot) Tip() (uint64, types.Hash, bool) {
	return v.tipHeight, v.tipHash, v.hasTip
}

// NumOutputs returns the snapshot's output count.
func (v *Snapshot) NumOutputs() types.OutputIndex {
	return v.nextOutput
}

// Output reads an output record from the snapshot.
func (v *Snapshot) Output(idx types.OutputIndex) (*OutputRecord, error) {
	return readOutput(v.txn, idx)
}

// IsSpent reports whether a key image was spent as of the snapshot.
func (v *Snapshot) IsSpent(img types.KeyImage) (bool, error) {
	_, err := v.txn.Get(storage.KeyImageKey(img))
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
