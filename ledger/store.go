package ledger

import (
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botho-network/botho/storage"
	"github.com/botho-network/botho/types"
)

var log = logrus.WithField("prefix", "ledger")

// Store is the sole authority on committed chain state: the append-only
// block archive plus the indexes validation and decoy selection need.
// A single writer commits blocks; readers take MVCC snapshots that stay
// valid across commits.
type Store struct {
	mu sync.RWMutex

	db *storage.Database

	hasTip     bool
	tipHeight  uint64
	tipHash    types.Hash
	nextOutput types.OutputIndex
}

const (
	metaTipHeight  = "tip_height"
	metaTipHash    = "tip_hash"
	metaNextOutput = "next_output"
)

// Open loads the store's tip and counters from disk.
func Open(db *storage.Database) (*Store, error) {
	s := &Store{db: db}
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storage.MetaKey(metaTipHeight))
		if storage.IsNotFound(err) {
			return nil // fresh store
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			h, err := storage.U64FromBytes(v)
			s.tipHeight = h
			return err
		}); err != nil {
			return err
		}
		s.hasTip = true

		item, err = txn.Get(storage.MetaKey(metaTipHash))
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			copy(s.tipHash[:], v)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get(storage.MetaKey(metaNextOutput))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			n, err := storage.U64FromBytes(v)
			s.nextOutput = types.OutputIndex(n)
			return err
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "load tip")
	}
	if s.hasTip {
		log.WithFields(logrus.Fields{"height": s.tipHeight, "hash": s.tipHash}).Info("ledger opened")
	} else {
		log.Info("ledger opened empty")
	}
	return s, nil
}

// Tip returns the current tip height and block hash. The second return
// is false while the store is empty (before genesis).
func (s *Store) Tip() (uint64, types.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipHeight, s.tipHash, s.hasTip
}

// NumOutputs returns the next output index to be assigned, which equals
// the count of outputs ever created.
func (s *Store) NumOutputs() types.OutputIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOutput
}

// BlockAt returns the block at a height, NotFound above the tip.
func (s *Store) BlockAt(height uint64) (*types.Block, error) {
	var block *types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storage.BlockKey(height))
		if storage.IsNotFound(err) {
			return errors.Wrapf(types.ErrNotFound, "block %d", height)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			block, err = types.DecodeBlock(v)
			return err
		})
	})
	return block, err
}

// BlockByHash resolves a block hash through the hash index.
func (s *Store) BlockByHash(hash types.Hash) (*types.Block, error) {
	var height uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storage.BlockHashKey(hash))
		if storage.IsNotFound(err) {
			return errors.Wrapf(types.ErrNotFound, "block %s", hash)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			height, err = storage.U64FromBytes(v)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return s.BlockAt(height)
}

// TxByHash locates a transaction and returns it with its block height.
func (s *Store) TxByHash(hash types.Hash) (*types.Transaction, uint64, error) {
	var height uint64
	var position uint32
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storage.TxKey(hash))
		if storage.IsNotFound(err) {
			return errors.Wrapf(types.ErrNotFound, "tx %s", hash)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			height, position, err = storage.ParseTxLocator(v)
			return err
		})
	})
	if err != nil {
		return nil, 0, err
	}
	block, err := s.BlockAt(height)
	if err != nil {
		return nil, 0, err
	}
	if int(position) >= len(block.Transactions) {
		return nil, 0, errors.Wrapf(types.ErrNotFound, "tx %s pruned", hash)
	}
	return block.Transactions[position], height, nil
}

// Output returns the output record at a global index. Spent outputs
// persist forever; NotFound means the index was never assigned.
func (s *Store) Output(idx types.OutputIndex) (*OutputRecord, error) {
	var rec *OutputRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readOutput(txn, idx)
		return err
	})
	return rec, err
}

// ScanOutputs returns the output records in [from, to).
func (s *Store) ScanOutputs(from, to types.OutputIndex) ([]*OutputRecord, error) {
	var out []*OutputRecord
	err := s.db.View(func(txn *badger.Txn) error {
		for idx := from; idx < to; idx++ {
			rec, err := readOutput(txn, idx)
			if errors.Is(err, types.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// IsSpent reports whether a key image is in the spent set.
func (s *Store) IsSpent(img types.KeyImage) (bool, error) {
	spent := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(storage.KeyImageKey(img))
		if storage.IsNotFound(err) {
			return nil
		}
		if err == nil {
			spent = true
		}
		return err
	})
	return spent, err
}

// ApplyBlock commits a block atomically: every output inserted, every
// key image marked spent, every index updated, and the tip advanced, or
// nothing at all. The caller has already validated the transactions
// against the predecessor state; the store still refuses structural
// violations it can see (double spends, broken chain linkage).
func (s *Store) ApplyBlock(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	height := block.Header.Height
	switch {
	case !s.hasTip:
		if height != 0 {
			return errors.Wrapf(types.ErrBadParent, "first block must be genesis, got height %d", height)
		}
	case height <= s.tipHeight:
		return errors.Wrapf(types.ErrAlreadyApplied, "height %d at tip %d", height, s.tipHeight)
	case height != s.tipHeight+1 || block.Header.PrevHash != s.tipHash:
		return errors.Wrapf(types.ErrBadParent, "height %d prev %s tip %d %s",
			height, block.Header.PrevHash, s.tipHeight, s.tipHash)
	}
	if types.MerkleRoot(block.Transactions) != block.Header.TxRoot {
		return errors.Wrap(types.ErrMalformed, "merkle root mismatch")
	}

	blockHash := block.Hash()
	next := s.nextOutput

	err := s.db.Update(func(txn *badger.Txn) error {
		for pos, tx := range block.Transactions {
			txHash := tx.Hash()
			for i, in := range tx.Inputs {
				if _, err := txn.Get(storage.KeyImageKey(in.KeyImage)); err == nil {
					return types.NewFault(types.ErrDoubleSpend, "apply", i, in.KeyImage.String())
				} else if !storage.IsNotFound(err) {
					return err
				}
				if err := txn.Set(storage.KeyImageKey(in.KeyImage), nil); err != nil {
					return err
				}
			}
			for _, out := range tx.Outputs {
				if err := writeOutput(txn, next, height, out); err != nil {
					return err
				}
				next++
			}
			if err := txn.Set(storage.TxKey(txHash), storage.TxLocator(height, uint32(pos))); err != nil {
				return err
			}
		}
		if err := txn.Set(storage.BlockKey(height), block.Encode()); err != nil {
			return err
		}
		if err := txn.Set(storage.BlockHashKey(blockHash), storage.U64Bytes(height)); err != nil {
			return err
		}
		if err := txn.Set(storage.MetaKey(metaTipHeight), storage.U64Bytes(height)); err != nil {
			return err
		}
		if err := txn.Set(storage.MetaKey(metaTipHash), blockHash[:]); err != nil {
			return err
		}
		return txn.Set(storage.MetaKey(metaNextOutput), storage.U64Bytes(uint64(next)))
	})
	if err != nil {
		return err
	}

	s.hasTip = true
	s.tipHeight = height
	s.tipHash = blockHash
	s.nextOutput = next
	log.WithFields(logrus.Fields{
		"height": height,
		"hash":   blockHash,
		"txs":    len(block.Transactions),
	}).Info("block applied")
	return nil
}

// PruneBodies drops transaction bodies of blocks strictly below the
// horizon, keeping headers and consensus proofs. Output records are
// never pruned; they remain decoy candidates forever.
func (s *Store) PruneBodies(horizon uint64) error {
	s.mu.RLock()
	tip := s.tipHeight
	s.mu.RUnlock()
	if horizon > tip {
		horizon = tip
	}
	for h := uint64(0); h < horizon; h++ {
		block, err := s.BlockAt(h)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if len(block.Transactions) == 0 {
			continue
		}
		block.Transactions = nil
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(storage.BlockKey(h), block.Encode())
		}); err != nil {
			return err
		}
	}
	return nil
}

// OutputRecord is an output plus its provenance, as stored in the
// output index.
type OutputRecord struct {
	Index  types.OutputIndex
	Height uint64
	Output *types.TxOutput
}

// untaggedTag is the reserved similarity bucket for outputs carrying no
// cluster tags, so they can still serve as decoys for each other.
const untaggedTag = 0xffffffff

func writeOutput(txn *badger.Txn, idx types.OutputIndex, height uint64, out *types.TxOutput) error {
	val := append(storage.U64Bytes(height), types.EncodeOutput(out)...)
	if err := txn.Set(storage.OutputKey(idx), val); err != nil {
		return err
	}
	if len(out.ClusterTags) == 0 {
		return txn.Set(storage.SimilarityKey(untaggedTag, idx), nil)
	}
	for _, tag := range out.ClusterTags {
		if err := txn.Set(storage.SimilarityKey(tag, idx), nil); err != nil {
			return err
		}
	}
	return nil
}

func readOutput(txn *badger.Txn, idx types.OutputIndex) (*OutputRecord, error) {
	item, err := txn.Get(storage.OutputKey(idx))
	if storage.IsNotFound(err) {
		return nil, errors.Wrapf(types.ErrNotFound, "output %d", idx)
	}
	if err != nil {
		return nil, err
	}
	rec := &OutputRecord{Index: idx}
	err = item.Value(func(v []byte) error {
		if len(v) < 8 {
			return errors.Wrap(types.ErrMalformed, "output record")
		}
		h, err := storage.U64FromBytes(v[:8])
		if err != nil {
			return err
		}
		rec.Height = h
		rec.Output, err = types.DecodeOutput(v[8:])
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
