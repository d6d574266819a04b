package mempool

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botho-network/botho/ledger"
	"github.com/botho-network/botho/types"
	"github.com/botho-network/botho/validation"
)

var log = logrus.WithField("prefix", "mempool")

// Config bounds the pool.
type Config struct {
	MaxTxBytes   int
	MaxPerSender int
	MaxPoolBytes int
	Rules        validation.Rules
}

type entry struct {
	tx         *types.Transaction
	hash       types.Hash
	size       int
	feePerByte float64
	sender     types.PublicKey
}

// Pool holds validated transactions awaiting inclusion. Admission
// validates against the current ledger tip; eviction is fee-priority.
type Pool struct {
	mu sync.Mutex

	cfg   Config
	store *ledger.Store

	entries   map[types.Hash]*entry
	byImage   map[types.KeyImage]types.Hash
	perSender map[types.PublicKey]int
	bytes     int
}

// New creates an empty pool over the ledger store.
func New(cfg Config, store *ledger.Store) *Pool {
	if cfg.MaxTxBytes == 0 {
		cfg.MaxTxBytes = 64 * 1024
	}
	if cfg.MaxPerSender == 0 {
		cfg.MaxPerSender = 16
	}
	if cfg.MaxPoolBytes == 0 {
		cfg.MaxPoolBytes = 32 * 1024 * 1024
	}
	return &Pool{
		cfg:       cfg,
		store:     store,
		entries:   make(map[types.Hash]*entry),
		byImage:   make(map[types.KeyImage]types.Hash),
		perSender: make(map[types.PublicKey]int),
	}
}

// senderFingerprint tracks per-sender fairness. The ephemeral key of
// the first output is unique per sender-generated transaction and is
// the closest thing to a sender identity a private transaction has.
func senderFingerprint(tx *types.Transaction) types.PublicKey {
	return tx.Outputs[0].EphemeralPub
}

// Submit validates tx against the current tip and admits it.
// Resubmitting a pooled transaction is a no-op success.
func (p *Pool) Submit(tx *types.Transaction) error {
	hash := tx.Hash()

	p.mu.Lock()
	if _, ok := p.entries[hash]; ok {
		p.mu.Unlock()
		return nil // AlreadyInMempool is not an error for the submitter
	}
	p.mu.Unlock()

	size := tx.SizeBytes()
	if size > p.cfg.MaxTxBytes {
		return types.NewFault(types.ErrMalformed, "admission", -1, "transaction exceeds size limit")
	}

	view := p.store.Snapshot()
	err := validation.Validate(tx, view, p.cfg.Rules)
	view.Close()
	if err != nil {
		return err
	}

	e := &entry{
		tx:         tx,
		hash:       hash,
		size:       size,
		feePerByte: float64(tx.Fee) / float64(size),
		sender:     senderFingerprint(tx),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[hash]; ok {
		return nil
	}

	// Conflicts share a key image; the higher fee rate wins.
	for _, in := range tx.Inputs {
		if otherHash, ok := p.byImage[in.KeyImage]; ok {
			other := p.entries[otherHash]
			if other.feePerByte >= e.feePerByte {
				return types.NewFault(types.ErrConflict, "admission", -1,
					"conflicting transaction "+otherHash.String()+" has priority")
			}
			p.removeLocked(other)
			log.WithFields(logrus.Fields{"evicted": otherHash, "for": hash}).Debug("conflict resolved by fee")
		}
	}

	if p.perSender[e.sender] >= p.cfg.MaxPerSender {
		return types.NewFault(types.ErrConflict, "admission", -1, "per-sender limit reached")
	}

	// Fee-priority eviction when full. The newcomer must beat the
	// cheapest resident to displace it.
	for p.bytes+size > p.cfg.MaxPoolBytes {
		victim := p.cheapestLocked()
		if victim == nil || victim.feePerByte >= e.feePerByte {
			return errors.Wrap(types.ErrTransient, "mempool full")
		}
		p.removeLocked(victim)
	}

	p.entries[hash] = e
	for _, in := range tx.Inputs {
		p.byImage[in.KeyImage] = hash
	}
	p.perSender[e.sender]++
	p.bytes += size
	return nil
}

func (p *Pool) cheapestLocked() *entry {
	var victim *entry
	for _, e := range p.entries {
		if victim == nil || e.feePerByte < victim.feePerByte ||
			(e.feePerByte == victim.feePerByte && victim.hash.Less(e.hash)) {
			victim = e
		}
	}
	return victim
}

func (p *Pool) removeLocked(e *entry) {
	delete(p.entries, e.hash)
	for _, in := range e.tx.Inputs {
		if p.byImage[in.KeyImage] == e.hash {
			delete(p.byImage, in.KeyImage)
		}
	}
	p.perSender[e.sender]--
	if p.perSender[e.sender] <= 0 {
		delete(p.perSender, e.sender)
	}
	p.bytes -= e.size
}

// TakeCandidateSet returns a deterministic prefix of the pool ordered
// by (fee per byte desc, tx hash asc), bounded by bytes and count.
func (p *Pool) TakeCandidateSet(maxBytes, maxCount int) []*types.Transaction {
	p.mu.Lock()
	sorted := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		sorted = append(sorted, e)
	}
	p.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].feePerByte != sorted[j].feePerByte {
			return sorted[i].feePerByte > sorted[j].feePerByte
		}
		return sorted[i].hash.Less(sorted[j].hash)
	})

	var out []*types.Transaction
	total := 0
	for _, e := range sorted {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		if maxBytes > 0 && total+e.size > maxBytes {
			break
		}
		out = append(out, e.tx)
		total += e.size
	}
	return out
}

// NotifyApplied removes the block's transactions and everything that
// now conflicts with an applied key image.
func (p *Pool) NotifyApplied(block *types.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range block.Transactions {
		if e, ok := p.entries[tx.Hash()]; ok {
			p.removeLocked(e)
		}
		for _, in := range tx.Inputs {
			if hash, ok := p.byImage[in.KeyImage]; ok {
				p.removeLocked(p.entries[hash])
			}
		}
	}
}

// NotifyReorg exists for interface completeness: a single
// externalization is final, so the confirmed chain never reorganizes.
// A non-extending tip here means a protocol violation upstream.
func (p *Pool) NotifyReorg(newTip uint64) error {
	tip, _, ok := p.store.Tip()
	if ok && newTip < tip {
		return errors.Wrapf(types.ErrFatalDivergence, "reorg to %d below tip %d", newTip, tip)
	}
	return nil
}

// Stats for logging and metrics.
func (p *Pool) Stats() (count, bytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), p.bytes
}
