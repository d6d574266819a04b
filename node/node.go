package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botho-network/botho/consensus"
	"github.com/botho-network/botho/ledger"
	"github.com/botho-network/botho/mempool"
	"github.com/botho-network/botho/metrics"
	"github.com/botho-network/botho/p2p"
	"github.com/botho-network/botho/storage"
	"github.com/botho-network/botho/types"
	"github.com/botho-network/botho/validation"
)

var log = logrus.WithField("prefix", "node")

// batchThreshold is the block size at which block validation fans the
// per-transaction checks out to parallel workers. Each transaction is
// still verified on its own; the crypto batch verifiers are not used.
const batchThreshold = 8

// Node wires the core together: ledger writer, mempool, consensus
// engine and peer network. It is also the block assembler (leader path)
// and the block applier (every validator).
type Node struct {
	cfg *Config

	db      *storage.Database
	store   *ledger.Store
	pool    *mempool.Pool
	engine  *consensus.Engine
	network *p2p.Network

	networkID types.Hash
	rules     validation.Rules
	roster    []types.PublicKey
	qset      *consensus.QuorumSet

	privKey ed25519.PrivateKey
	pubKey  types.PublicKey

	proposals  *lru.Cache[types.Hash, *types.Block]
	validCache *lru.Cache[types.Hash, bool]

	// applyMu serializes ledger commits; shutdown takes it so a signal
	// can never interrupt a commit mid-way.
	applyMu sync.Mutex

	// halted is set on FatalDivergence: the node stops voting until it
	// has resynced from peers.
	halted atomic.Bool

	lastApplied atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the ledger, replays genesis if needed, and wires all
// components. It creates the peer host and dials the bootstrap peers;
// gossip subscriptions and consensus begin at Start.
func New(cfg *Config) (*Node, error) {
	db, err := storage.Open(cfg.DataDirectory + "/chain")
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	genesis, err := cfg.Genesis()
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "genesis")
	}
	if _, _, ok := store.Tip(); !ok {
		if err := store.ApplyBlock(genesis); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "apply genesis")
		}
	}

	roster, err := cfg.Roster()
	if err != nil {
		db.Close()
		return nil, err
	}
	qset, err := cfg.BuildQuorumSet()
	if err != nil {
		db.Close()
		return nil, err
	}
	keys, err := loadValidatorKey(cfg.ValidatorKeyFile)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "validator key")
	}

	proposals, _ := lru.New[types.Hash, *types.Block](128)
	validCache, _ := lru.New[types.Hash, bool](256)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		db:         db,
		store:      store,
		networkID:  genesis.Hash(),
		roster:     roster,
		qset:       qset,
		privKey:    keys.priv,
		pubKey:     keys.pub,
		proposals:  proposals,
		validCache: validCache,
		ctx:        ctx,
		cancel:     cancel,
		rules: validation.Rules{
			RingSize:   cfg.RingSize,
			MaxTxBytes: cfg.MaxBlockBytes,
		},
	}
	n.lastApplied.Store(time.Now().UnixNano())

	n.pool = mempool.New(mempool.Config{
		MaxPoolBytes: cfg.MaxMempoolBytes,
		Rules:        n.rules,
	}, store)

	port, err := cfg.ListenPort()
	if err != nil {
		cancel()
		db.Close()
		return nil, err
	}
	network, err := p2p.NewNetwork(port, cfg.BootstrapAddrs(n.pubKey))
	if err != nil {
		cancel()
		db.Close()
		return nil, err
	}
	n.network = network

	engine, err := consensus.New(consensus.Config{
		NetworkID:   n.networkID,
		Self:        n.pubKey,
		PrivateKey:  n.privKey,
		Roster:      roster,
		QSet:        qset,
		TimeoutBase: time.Duration(cfg.SlotTimeoutBaseMs) * time.Millisecond,
	}, consensus.Callbacks{
		Broadcast:     n.broadcastStatement,
		ProposeValue:  n.proposeValue,
		ValidateValue: n.validateValue,
		OnExternalize: n.onExternalize,
	})
	if err != nil {
		cancel()
		network.Close()
		db.Close()
		return nil, err
	}
	n.engine = engine

	network.SetTxHandler(n.handleGossipTx)
	network.SetStatementHandler(engine.Submit)
	network.SetProposalHandler(n.handleProposal)
	network.SetBlocksProvider(n.provideBlocks)

	return n, nil
}

// Start joins peers and enters consensus at tip+1.
func (n *Node) Start() error {
	if err := n.network.Start(); err != nil {
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.engine.Run(n.ctx)
	}()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.syncLoop()
	}()

	tip, _, _ := n.store.Tip()
	n.engine.StartSlot(tip + 1)
	log.WithFields(logrus.Fields{"tip": tip, "peer": n.network.GetHostID()}).Info("node started")
	return nil
}

// Stop shuts down in order: stop accepting messages, drain workers,
// flush the ledger, close streams. The applyMu acquisition guarantees
// no commit is interrupted.
func (n *Node) Stop() {
	n.cancel()
	n.network.Close()
	n.wg.Wait()
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	if err := n.db.Close(); err != nil {
		log.WithError(err).Error("ledger close")
	}
	log.Info("node stopped")
}

// PublicKey returns this validator's identity.
func (n *Node) PublicKey() types.PublicKey {
	return n.pubKey
}

// Ledger exposes the read-only store for outside callers.
func (n *Node) Ledger() *ledger.Store {
	return n.store
}

// SubmitTransaction admits a locally submitted transaction and gossips
// it on success.
func (n *Node) SubmitTransaction(tx *types.Transaction) error {
	if err := n.pool.Submit(tx); err != nil {
		metrics.ValidationFailures.WithLabelValues(faultKind(err)).Inc()
		return err
	}
	n.updatePoolMetrics()
	return n.network.BroadcastTransaction(tx)
}

func faultKind(err error) string {
	switch {
	case errors.Is(err, types.ErrDoubleSpend):
		return "double_spend"
	case errors.Is(err, types.ErrUnknownOutput):
		return "unknown_output"
	case errors.Is(err, types.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, types.ErrBadProof):
		return "bad_proof"
	case errors.Is(err, types.ErrConflict):
		return "conflict"
	case errors.Is(err, types.ErrInsufficientDecoys):
		return "insufficient_decoys"
	case errors.Is(err, types.ErrMalformed):
		return "malformed"
	}
	return "other"
}

func (n *Node) handleGossipTx(tx *types.Transaction) error {
	err := n.pool.Submit(tx)
	if err != nil {
		metrics.ValidationFailures.WithLabelValues(faultKind(err)).Inc()
	}
	n.updatePoolMetrics()
	return err
}

func (n *Node) updatePoolMetrics() {
	count, bytes := n.pool.Stats()
	metrics.MempoolSize.Set(float64(count))
	metrics.MempoolBytes.Set(float64(bytes))
}

func (n *Node) broadcastStatement(st *types.Statement) {
	if err := n.network.BroadcastStatement(st); err != nil {
		log.WithError(err).Debug("statement broadcast failed")
	}
}

func (n *Node) handleProposal(block *types.Block) {
	n.proposals.Add(block.Hash(), block)
}

// proposeValue assembles this node's candidate block for a slot:
// candidate set from the mempool, re-validated at the tip, Merkle root
// in candidate order.
func (n *Node) proposeValue(slot uint64) (types.Hash, bool) {
	if n.halted.Load() {
		return types.Hash{}, false
	}
	tip, tipHash, ok := n.store.Tip()
	if !ok || slot != tip+1 {
		return types.Hash{}, false
	}

	candidates := n.pool.TakeCandidateSet(n.cfg.MaxBlockBytes, 0)
	view := n.store.Snapshot()
	var txs []*types.Transaction
	for _, tx := range candidates {
		if err := validation.Validate(tx, view, n.rules); err != nil {
			continue // stale entry, admission raced a commit
		}
		txs = append(txs, tx)
	}
	view.Close()
	if err := validation.CrossChecks(txs); err != nil {
		// Conflicting pool entries; keep the earlier (higher-fee) one.
		txs = dropConflicting(txs)
	}

	block := &types.Block{
		Header: types.BlockHeader{
			Height:    slot,
			PrevHash:  tipHash,
			TxRoot:    types.MerkleRoot(txs),
			Timestamp: uint64(time.Now().Unix()),
			MinterID:  n.pubKey,
		},
		Transactions: txs,
	}
	hash := block.Hash()
	n.proposals.Add(hash, block)
	n.validCache.Add(hash, true)
	if err := n.network.BroadcastProposal(block); err != nil {
		log.WithError(err).Debug("proposal broadcast failed")
	}
	log.WithFields(logrus.Fields{"slot": slot, "txs": len(txs), "value": hash}).Info("candidate proposed")
	return hash, true
}

func dropConflicting(txs []*types.Transaction) []*types.Transaction {
	seen := make(map[types.KeyImage]bool)
	var out []*types.Transaction
	for _, tx := range txs {
		clash := false
		for _, in := range tx.Inputs {
			if seen[in.KeyImage] {
				clash = true
				break
			}
		}
		if clash {
			continue
		}
		for _, in := range tx.Inputs {
			seen[in.KeyImage] = true
		}
		out = append(out, tx)
	}
	return out
}

// validateValue reports whether a nominated value resolves to a block
// this node is willing to vouch for.
func (n *Node) validateValue(slot uint64, value types.Hash) bool {
	if n.halted.Load() {
		return false
	}
	if ok, hit := n.validCache.Get(value); hit {
		return ok
	}
	block, ok := n.proposals.Get(value)
	if !ok {
		return false // content unknown, cannot vouch
	}
	view := n.store.Snapshot()
	err := n.checkBlock(block, slot, view)
	view.Close()
	n.validCache.Add(value, err == nil)
	if err != nil {
		log.WithFields(logrus.Fields{"slot": slot, "value": value}).WithError(err).Warn("candidate rejected")
	}
	return err == nil
}

// checkBlock runs full block validation against a snapshot taken at
// the block's parent.
func (n *Node) checkBlock(block *types.Block, slot uint64, view *ledger.Snapshot) error {
	tip, tipHash, ok := view.Tip()
	if !ok {
		return errors.Wrap(types.ErrBadParent, "empty ledger")
	}
	if block.Header.Height != slot || block.Header.Height != tip+1 {
		return errors.Wrapf(types.ErrBadParent, "height %d at tip %d", block.Header.Height, tip)
	}
	if block.Header.PrevHash != tipHash {
		return errors.Wrap(types.ErrBadParent, "previous hash mismatch")
	}
	if block.Header.TxRoot != types.MerkleRoot(block.Transactions) {
		return errors.Wrap(types.ErrMalformed, "merkle root mismatch")
	}
	// Timestamps are advisory; only bound the future skew.
	if block.Header.Timestamp > uint64(time.Now().Unix())+60 {
		return errors.Wrap(types.ErrMalformed, "timestamp too far in future")
	}
	if len(block.Transactions) >= batchThreshold {
		return n.parallelValidate(block.Transactions, view)
	}
	return validation.ValidateBlockTxs(block.Transactions, view, n.rules)
}

// parallelValidate fans per-transaction checks out to the validator
// pool. Results carry their submission index, so out-of-order workers
// reconcile deterministically; cross-transaction checks run after.
func (n *Node) parallelValidate(txs []*types.Transaction, view *ledger.Snapshot) error {
	workers := runtime.NumCPU()
	if workers > len(txs) {
		workers = len(txs)
	}
	jobs := make(chan int, len(txs))
	errs := make([]error, len(txs))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				errs[i] = validation.Validate(txs[i], view, n.rules)
			}
		}()
	}
	for i := range txs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "tx %d", i)
		}
	}
	return validation.CrossChecks(txs)
}

// onExternalize is the terminal consensus callback: resolve the value
// to a block, re-validate, commit, notify the mempool, start the next
// slot. Runs on the consensus goroutine.
func (n *Node) onExternalize(slot uint64, value types.Hash, proof []types.ValidatorSignature) {
	block, ok := n.proposals.Get(value)
	if !ok {
		// Nominated content never arrived; recover it from peers.
		fetched, err := n.fetchBlock(slot, value)
		if err != nil {
			log.WithFields(logrus.Fields{"slot": slot, "value": value}).WithError(err).Error("externalized value unresolvable")
			return
		}
		block = fetched
	}
	block.ConsensusProof = proof
	if err := n.applyExternalized(block); err != nil {
		return
	}
	n.engine.StartSlot(slot + 1)
}

// applyExternalized re-validates and commits. A validation failure
// here is FatalDivergence: either the leader misbehaved or local state
// is corrupt, and this node must not vote until resynced.
func (n *Node) applyExternalized(block *types.Block) error {
	view := n.store.Snapshot()
	err := n.checkBlock(block, block.Header.Height, view)
	view.Close()
	if err != nil {
		n.halted.Store(true)
		log.WithField("height", block.Header.Height).WithError(err).
			Error("externalized block fails re-validation: halting until resync")
		return errors.Wrap(types.ErrFatalDivergence, err.Error())
	}
	return n.commit(block)
}

func (n *Node) commit(block *types.Block) error {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	if err := n.store.ApplyBlock(block); err != nil {
		if errors.Is(err, types.ErrAlreadyApplied) {
			return nil
		}
		// Ledger-write failures are fatal; stop the loops so the
		// process shuts down cleanly rather than run on a corrupt
		// store.
		log.WithError(err).Error("ledger commit failed")
		n.cancel()
		return err
	}
	metrics.BlocksApplied.Inc()
	n.lastApplied.Store(time.Now().UnixNano())
	n.pool.NotifyApplied(block)
	n.updatePoolMetrics()
	return nil
}

// provideBlocks answers peers' GetBlocks requests, capped per request.
func (n *Node) provideBlocks(from, to uint64) []*types.Block {
	const maxBatch = 64
	if to < from {
		return nil
	}
	if to-from >= maxBatch {
		to = from + maxBatch - 1
	}
	var out []*types.Block
	for h := from; h <= to; h++ {
		block, err := n.store.BlockAt(h)
		if err != nil {
			break
		}
		out = append(out, block)
	}
	return out
}

// fetchBlock pulls one externalized block from any quorum-connected
// peer, retrying across peers.
func (n *Node) fetchBlock(height uint64, want types.Hash) (*types.Block, error) {
	peers := n.network.ConnectedPeers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	for _, p := range peers {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		blocks, err := n.network.FetchBlocks(ctx, p, height, height)
		cancel()
		if err != nil || len(blocks) == 0 {
			continue
		}
		if blocks[0].Hash() == want {
			return blocks[0], nil
		}
	}
	return nil, errors.Wrapf(types.ErrTransient, "block %d not available", height)
}

// syncLoop pulls missed blocks when consensus stalls, which is how a
// partitioned or halted node catches back up. Fetched blocks carry
// their commit quorum, so they re-validate and apply without replaying
// the slot.
func (n *Node) syncLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, n.lastApplied.Load()))
		if idle < 10*time.Second {
			continue
		}
		if n.syncOnce() && n.halted.Load() {
			// Caught up after divergence; resume voting.
			n.halted.Store(false)
			tip, _, _ := n.store.Tip()
			n.engine.StartSlot(tip + 1)
			log.WithField("tip", tip).Info("resynced, voting resumed")
		}
	}
}

// syncOnce fetches and applies the next batch of blocks in order.
// Returns true if anything applied.
func (n *Node) syncOnce() bool {
	tip, _, ok := n.store.Tip()
	if !ok {
		return false
	}
	peers := n.network.ConnectedPeers()
	if len(peers) == 0 {
		return false
	}
	p := peers[rand.Intn(len(peers))]
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	blocks, err := n.network.FetchBlocks(ctx, p, tip+1, tip+32)
	cancel()
	if err != nil {
		log.WithError(err).Debug("sync fetch failed")
		return false
	}
	applied := false
	for _, block := range blocks {
		hash := block.Hash()
		if !consensus.VerifyProof(n.networkID, block.Header.Height, hash, block.ConsensusProof, n.roster, n.qset) {
			log.WithField("height", block.Header.Height).Warn("fetched block carries no valid commit quorum")
			break
		}
		view := n.store.Snapshot()
		err := n.checkBlock(block, block.Header.Height, view)
		view.Close()
		if err != nil {
			log.WithField("height", block.Header.Height).WithError(err).Warn("fetched block invalid")
			break
		}
		if err := n.commit(block); err != nil {
			break
		}
		applied = true
	}
	if applied {
		tip, _, _ := n.store.Tip()
		n.engine.StartSlot(tip + 1)
	}
	return applied
}

// Validator key file: JSON with hex keys, written by WriteValidatorKey.
// Loading fails if the file does not exist.

type validatorKey struct {
	priv ed25519.PrivateKey
	pub  types.PublicKey
}

type keyFile struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

func loadValidatorKey(path string) (*validatorKey, error) {
	if path == "" {
		return nil, errors.New("validator key file not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, err
	}
	privRaw, err := hex.DecodeString(kf.PrivateKey)
	if err != nil || len(privRaw) != ed25519.PrivateKeySize {
		return nil, errors.New("bad private key encoding")
	}
	var pub types.PublicKey
	pubRaw, err := hex.DecodeString(kf.PublicKey)
	if err != nil || len(pubRaw) != 32 {
		return nil, errors.New("bad public key encoding")
	}
	copy(pub[:], pubRaw)
	return &validatorKey{priv: ed25519.PrivateKey(privRaw), pub: pub}, nil
}

// WriteValidatorKey persists a fresh identity in the key file format.
func WriteValidatorKey(path string, priv ed25519.PrivateKey, pub types.PublicKey) error {
	kf := keyFile{
		PrivateKey: hex.EncodeToString(priv),
		PublicKey:  hex.EncodeToString(pub[:]),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
