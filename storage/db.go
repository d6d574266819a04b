package storage

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/botho-network/botho/types"
)

// Database wraps BadgerDB for chain storage. Badger gives the ledger
// the two properties it needs: atomic multi-key writes (one Update txn
// per block) and MVCC read transactions that stay consistent across
// concurrent commits, which is what ledger snapshots are built on.
type Database struct {
	db *badger.DB
}

// Key prefixes. Heights and output indexes are big-endian inside keys
// so badger's lexicographic iteration walks them in numeric order.
const (
	prefixBlock      = 'b' // height -> block body
	prefixBlockHash  = 'h' // block hash -> height
	prefixOutput     = 'o' // output index -> output record
	prefixKeyImage   = 'k' // key image -> ()
	prefixTx         = 't' // tx hash -> (height, position)
	prefixSimilarity = 's' // cluster tag + output index -> ()
	prefixMeta       = 'm' // named metadata
)

// Open opens or creates the database at path.
func Open(path string) (*Database, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &Database{db: db}, nil
}

// Close flushes and closes the database.
func (d *Database) Close() error {
	return d.db.Close()
}

// View runs a read-only transaction.
func (d *Database) View(fn func(txn *badger.Txn) error) error {
	return d.db.View(fn)
}

// Update runs a read-write transaction. All keys written inside commit
// atomically or not at all.
func (d *Database) Update(fn func(txn *badger.Txn) error) error {
	return d.db.Update(fn)
}

// ReadTxn returns a long-lived read-only transaction. The caller owns
// it and must Discard when done; it observes a consistent snapshot no
// matter how many blocks commit after it was taken.
func (d *Database) ReadTxn() *badger.Txn {
	return d.db.NewTransaction(false)
}

// IsNotFound reports whether err is badger's missing-key error.
func IsNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound)
}

// Key builders.

func BlockKey(height uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixBlock
	binary.BigEndian.PutUint64(key[1:], height)
	return key
}

func BlockHashKey(hash types.Hash) []byte {
	key := make([]byte, 33)
	key[0] = prefixBlockHash
	copy(key[1:], hash[:])
	return key
}

func OutputKey(idx types.OutputIndex) []byte {
	key := make([]byte, 9)
	key[0] = prefixOutput
	binary.BigEndian.PutUint64(key[1:], uint64(idx))
	return key
}

func KeyImageKey(img types.KeyImage) []byte {
	key := make([]byte, 33)
	key[0] = prefixKeyImage
	copy(key[1:], img[:])
	return key
}

func TxKey(hash types.Hash) []byte {
	key := make([]byte, 33)
	key[0] = prefixTx
	copy(key[1:], hash[:])
	return key
}

// SimilarityKey places an output under one cluster tag. The postings
// for a tag are the keys sharing its 5-byte prefix.
func SimilarityKey(tag uint32, idx types.OutputIndex) []byte {
	key := make([]byte, 13)
	key[0] = prefixSimilarity
	binary.BigEndian.PutUint32(key[1:5], tag)
	binary.BigEndian.PutUint64(key[5:], uint64(idx))
	return key
}

func SimilarityPrefix(tag uint32) []byte {
	key := make([]byte, 5)
	key[0] = prefixSimilarity
	binary.BigEndian.PutUint32(key[1:5], tag)
	return key
}

func MetaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}

// U64Bytes encodes a counter value stored under a meta key.
func U64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Wrap(types.ErrMalformed, "counter record")
	}
	return binary.BigEndian.Uint64(b), nil
}

// TxLocator is the value under a tx index key.
func TxLocator(height uint64, position uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[:8], height)
	binary.BigEndian.PutUint32(b[8:], position)
	return b
}

func ParseTxLocator(b []byte) (height uint64, position uint32, err error) {
	if len(b) != 12 {
		return 0, 0, errors.Wrap(types.ErrMalformed, "tx locator")
	}
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint32(b[8:]), nil
}

// OutputIndexFromSimilarityKey recovers the posting's output index.
func OutputIndexFromSimilarityKey(key []byte) (types.OutputIndex, error) {
	if len(key) != 13 || key[0] != prefixSimilarity {
		return 0, errors.Wrap(types.ErrMalformed, "similarity key")
	}
	return types.OutputIndex(binary.BigEndian.Uint64(key[5:])), nil
}
