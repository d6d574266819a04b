package consensus

import (
	"context"
	"crypto/ed25519"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/botho-network/botho/metrics"
	"github.com/botho-network/botho/types"
)

var log = logrus.WithField("prefix", "consensus")

// Config fixes the engine's identity, roster and timing.
type Config struct {
	NetworkID  types.Hash
	Self       types.PublicKey
	PrivateKey ed25519.PrivateKey

	// Roster is the validator order fixed at genesis; leader rotation
	// walks it by (slot + round) mod len.
	Roster []types.PublicKey
	QSet   *QuorumSet

	TimeoutBase      time.Duration
	TimeoutCap       time.Duration
	TailWindow       uint64
	RebroadcastEvery time.Duration
}

func (c *Config) withDefaults() {
	if c.TimeoutBase == 0 {
		c.TimeoutBase = time.Second
	}
	if c.TimeoutCap == 0 {
		c.TimeoutCap = 30 * time.Second
	}
	if c.TailWindow == 0 {
		c.TailWindow = 64
	}
	if c.RebroadcastEvery == 0 {
		c.RebroadcastEvery = 2 * time.Second
	}
}

// Callbacks are the engine's only way out. Every callback runs on the
// consensus goroutine and must not block.
type Callbacks struct {
	// Broadcast sends a signed statement to every peer.
	Broadcast func(*types.Statement)
	// ProposeValue assembles this node's candidate value for a slot.
	ProposeValue func(slot uint64) (types.Hash, bool)
	// ValidateValue reports whether a value may be voted for.
	ValidateValue func(slot uint64, value types.Hash) bool
	// OnExternalize delivers the slot's final value and commit proof.
	OnExternalize func(slot uint64, value types.Hash, proof []types.ValidatorSignature)
}

type event interface{}

type evStatement struct{ st *types.Statement }
type evTimer struct{ id timerID }
type evStart struct{ slot uint64 }

// Engine runs one federated-agreement slot at a time. All state is
// confined to the Run goroutine; peers, timers and the node feed it
// through a single queue.
type Engine struct {
	cfg Config
	cb  Callbacks

	in    chan event
	wheel *timingWheel
	dedup *lru.Cache[types.Hash, struct{}]

	slots     map[uint64]*Slot
	current   uint64
	started   bool
	rosterSet map[types.PublicKey]bool
}

// New builds an engine; Run must be called before Submit.
func New(cfg Config, cb Callbacks) (*Engine, error) {
	cfg.withDefaults()
	if err := cfg.QSet.Validate(); err != nil {
		return nil, err
	}
	dedup, err := lru.New[types.Hash, struct{}](8192)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		cb:        cb,
		in:        make(chan event, 1024),
		dedup:     dedup,
		slots:     make(map[uint64]*Slot),
		rosterSet: make(map[types.PublicKey]bool, len(cfg.Roster)),
	}
	for _, v := range cfg.Roster {
		e.rosterSet[v] = true
	}
	e.wheel = newTimingWheel(100*time.Millisecond, 512, func(id timerID) {
		select {
		case e.in <- evTimer{id: id}:
		default:
			// Queue saturated; the exponential retry will re-arm.
		}
	})
	return e, nil
}

// Run processes events until the context ends. Per-slot processing is
// strictly sequential; externalization happens-before any message of
// the next slot.
func (e *Engine) Run(ctx context.Context) {
	go e.wheel.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.in:
			switch v := ev.(type) {
			case evStart:
				e.handleStart(v.slot)
			case evStatement:
				e.handleStatement(v.st)
			case evTimer:
				e.handleTimer(v.id)
			}
		}
	}
}

// StartSlot begins consensus at a height. Called once at boot and after
// every applied block.
func (e *Engine) StartSlot(height uint64) {
	e.in <- evStart{slot: height}
}

// Submit feeds a peer statement into the queue. Safe from any
// goroutine.
func (e *Engine) Submit(st *types.Statement) {
	select {
	case e.in <- evStatement{st: st}:
	default:
		log.Warn("consensus queue full, statement dropped")
	}
}

func (e *Engine) handleStart(height uint64) {
	if e.started && height <= e.current {
		return
	}
	e.started = true
	e.current = height
	s, ok := e.slots[height]
	if !ok {
		s = newSlot(height, e)
		e.slots[height] = s
	}
	metrics.SlotStarted.Inc()
	log.WithField("slot", height).Info("slot started")
	s.start()
	// Buffered statements for this slot may already decide it.
	s.advanceNomination()
	s.advanceBallot()
	e.gcSlots()
}

func (e *Engine) gcSlots() {
	if e.current < e.cfg.TailWindow {
		return
	}
	floor := e.current - e.cfg.TailWindow
	for h := range e.slots {
		if h < floor {
			delete(e.slots, h)
		}
	}
}

func (e *Engine) handleStatement(st *types.Statement) {
	if st.NetworkID != e.cfg.NetworkID {
		return // signed for another network
	}
	if !e.rosterSet[st.Sender] {
		return
	}
	key := st.DedupKey()
	if _, dup := e.dedup.Get(key); dup {
		return
	}
	if !st.VerifySignature() {
		log.WithField("sender", st.Sender).Warn("statement signature invalid")
		return
	}
	e.dedup.Add(key, struct{}{})

	if e.started && st.Slot+e.cfg.TailWindow < e.current {
		return // far behind the tail window
	}
	if e.started && st.Slot > e.current+e.cfg.TailWindow {
		return // implausibly far ahead
	}
	s, ok := e.slots[st.Slot]
	if !ok {
		s = newSlot(st.Slot, e)
		e.slots[st.Slot] = s
	}
	s.handle(st)
}

func (e *Engine) handleTimer(id timerID) {
	s, ok := e.slots[id.slot]
	if !ok {
		return // slot collapsed, timer lazily cancelled
	}
	switch id.kind {
	case timerNomination:
		if id.slot != e.current {
			return
		}
		s.onNominationTimeout(id.counter)
	case timerBallot:
		s.onBallotTimeout(id.counter)
	case timerRebroadcast:
		e.rebroadcastExternalize(s)
	}
}

// armTimer schedules with exponential growth per counter bump, capped.
func (e *Engine) armTimer(slot uint64, counter uint32, kind timerKind) {
	d := e.cfg.TimeoutBase
	for i := uint32(1); i < counter && d < e.cfg.TimeoutCap; i++ {
		d *= 2
	}
	if d > e.cfg.TimeoutCap {
		d = e.cfg.TimeoutCap
	}
	e.wheel.schedule(timerID{slot: slot, counter: counter, kind: kind}, d)
}

// rebroadcastExternalize keeps emitting the slot's Externalize so
// laggards catch up, rate-limited and only within the tail window.
func (e *Engine) rebroadcastExternalize(s *Slot) {
	if !s.externalized {
		return
	}
	if e.current > s.index+e.cfg.TailWindow {
		return // window closed, slot will be collected
	}
	s.emitBallotStatement()
	e.wheel.schedule(timerID{slot: s.index, kind: timerRebroadcast}, e.cfg.RebroadcastEvery)
}

func (e *Engine) slotExternalized(s *Slot) {
	metrics.SlotsExternalized.Inc()
	e.wheel.schedule(timerID{slot: s.index, kind: timerRebroadcast}, e.cfg.RebroadcastEvery)
	if e.cb.OnExternalize != nil {
		e.cb.OnExternalize(s.index, s.value, s.proof)
	}
}

// leader rotates deterministically over the genesis-ordered roster.
func (e *Engine) leader(slot uint64, round int) types.PublicKey {
	n := uint64(len(e.cfg.Roster))
	return e.cfg.Roster[(slot+uint64(round))%n]
}

func (e *Engine) qsetFor(types.PublicKey) *QuorumSet {
	// Single configured quorum set shared by the whole deployment; the
	// evaluation still treats it per-node so heterogeneous sets only
	// need this lookup to change.
	return e.cfg.QSet
}

func (e *Engine) inRoster(v types.PublicKey) bool {
	return e.rosterSet[v]
}

func (e *Engine) sign(st *types.Statement) {
	st.NetworkID = e.cfg.NetworkID
	st.Sender = e.cfg.Self
	st.Sign(e.cfg.PrivateKey)
}

// attest signs the commit attestation carried into block proofs.
func (e *Engine) attest(slot uint64, value types.Hash) types.ValidatorSignature {
	sig := ed25519.Sign(e.cfg.PrivateKey, AttestationBytes(e.cfg.NetworkID, slot, value))
	var s types.Signature
	copy(s[:], sig)
	return types.ValidatorSignature{Validator: e.cfg.Self, Signature: s}
}

// AttestationBytes is the payload a commit attestation signs: network,
// slot and value, so an attestation cannot be replayed across slots.
func AttestationBytes(network types.Hash, slot uint64, value types.Hash) []byte {
	buf := make([]byte, 0, 32+8+32+len("botho.v1.commit"))
	buf = append(buf, []byte("botho.v1.commit")...)
	buf = append(buf, network[:]...)
	var s [8]byte
	for i := 0; i < 8; i++ {
		s[i] = byte(slot >> (8 * i))
	}
	buf = append(buf, s[:]...)
	buf = append(buf, value[:]...)
	h := blake2b.Sum256(buf)
	return h[:]
}

// VerifyAttestation checks one commit attestation.
func VerifyAttestation(network types.Hash, slot uint64, value types.Hash, att types.ValidatorSignature) bool {
	return ed25519.Verify(ed25519.PublicKey(att.Validator[:]), AttestationBytes(network, slot, value), att.Signature[:])
}

// VerifyProof checks a block's consensus proof: every attestation must
// verify over (network, slot, value) from a roster member, and the
// attesters must contain a quorum under the configured quorum set.
func VerifyProof(network types.Hash, slot uint64, value types.Hash, proof []types.ValidatorSignature, roster []types.PublicKey, qset *QuorumSet) bool {
	inRoster := make(map[types.PublicKey]bool, len(roster))
	for _, v := range roster {
		inRoster[v] = true
	}
	attesters := make(NodeSet)
	for _, att := range proof {
		if !inRoster[att.Validator] {
			return false
		}
		if !VerifyAttestation(network, slot, value, att) {
			return false
		}
		attesters[att.Validator] = true
	}
	if len(attesters) == 0 {
		return false
	}
	eval := NewQuorumEval(types.PublicKey{}, func(types.PublicKey) *QuorumSet { return qset })
	return eval.ContainsQuorum(attesters)
}
