package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/types"
)

// cluster drives a set of engines synchronously, delivering broadcast
// statements through an in-memory queue instead of the network or the
// Run goroutine.
type cluster struct {
	t            *testing.T
	network      types.Hash
	keys         []ed25519.PrivateKey
	roster       []types.PublicKey
	engines      []*Engine
	queue        []*types.Statement
	silent       map[types.PublicKey]bool
	externalized map[types.PublicKey]types.Hash
	value        types.Hash
}

func newCluster(t *testing.T, n, threshold int) *cluster {
	t.Helper()
	c := &cluster{
		t:            t,
		network:      types.HashValue([]byte("testnet")),
		silent:       make(map[types.PublicKey]bool),
		externalized: make(map[types.PublicKey]types.Hash),
		value:        types.HashValue([]byte("candidate-block")),
	}
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		var pk types.PublicKey
		copy(pk[:], pub)
		c.keys = append(c.keys, priv)
		c.roster = append(c.roster, pk)
	}
	qset := &QuorumSet{Threshold: threshold, Validators: c.roster}
	for i := 0; i < n; i++ {
		self := c.roster[i]
		eng, err := New(Config{
			NetworkID:   c.network,
			Self:        self,
			PrivateKey:  c.keys[i],
			Roster:      c.roster,
			QSet:        qset,
			TimeoutBase: time.Second,
		}, Callbacks{
			Broadcast: func(st *types.Statement) {
				c.queue = append(c.queue, cloneStatement(t, st))
			},
			ProposeValue:  func(uint64) (types.Hash, bool) { return c.value, true },
			ValidateValue: func(uint64, types.Hash) bool { return true },
			OnExternalize: func(_ uint64, value types.Hash, _ []types.ValidatorSignature) {
				c.externalized[self] = value
			},
		})
		require.NoError(t, err)
		c.engines = append(c.engines, eng)
	}
	return c
}

func cloneStatement(t *testing.T, st *types.Statement) *types.Statement {
	t.Helper()
	decoded, err := types.DecodeStatement(st.Encode())
	require.NoError(t, err)
	return decoded
}

// pump delivers queued statements until quiescent. Silent validators
// neither send nor receive.
func (c *cluster) pump() {
	for rounds := 0; len(c.queue) > 0 && rounds < 10_000; rounds++ {
		st := c.queue[0]
		c.queue = c.queue[1:]
		if c.silent[st.Sender] {
			continue
		}
		for i, eng := range c.engines {
			if c.roster[i] == st.Sender || c.silent[c.roster[i]] {
				continue
			}
			eng.handleStatement(cloneStatement(c.t, st))
		}
	}
}

func (c *cluster) start(slot uint64) {
	for i, eng := range c.engines {
		if c.silent[c.roster[i]] {
			continue
		}
		eng.handleStart(slot)
	}
	c.pump()
}

func TestHappyPathFiveValidators(t *testing.T) {
	c := newCluster(t, 5, 3)
	c.start(1)

	require.Len(t, c.externalized, 5, "every validator externalizes")
	for _, v := range c.externalized {
		assert.Equal(t, c.value, v, "at most one value per slot")
	}

	// The slot carries a verifiable commit quorum.
	s := c.engines[0].slots[1]
	require.NotNil(t, s)
	require.True(t, s.externalized)
	assert.True(t, VerifyProof(c.network, 1, c.value, s.proof, c.roster, c.engines[0].cfg.QSet))
}

func TestSilentMinorityStillProgresses(t *testing.T) {
	c := newCluster(t, 5, 3)
	c.silent[c.roster[3]] = true
	c.silent[c.roster[4]] = true

	c.start(1)

	for i := 0; i < 3; i++ {
		v, ok := c.externalized[c.roster[i]]
		require.True(t, ok, "validator %d should externalize", i)
		assert.Equal(t, c.value, v)
	}
	_, ok := c.externalized[c.roster[3]]
	assert.False(t, ok)
}

func TestSilentMajorityHaltsSafely(t *testing.T) {
	c := newCluster(t, 5, 3)
	c.silent[c.roster[2]] = true
	c.silent[c.roster[3]] = true
	c.silent[c.roster[4]] = true

	c.start(1)

	// No quorum can form: progress halts with no externalization, and
	// no node forges one.
	assert.Empty(t, c.externalized)
}

func TestLaggardAdoptsExternalize(t *testing.T) {
	c := newCluster(t, 5, 3)
	c.silent[c.roster[4]] = true
	c.start(1)
	require.Len(t, c.externalized, 4)

	// The laggard reconnects and receives one rebroadcast Externalize
	// carrying the commit quorum; it adopts without replaying ballots.
	delete(c.silent, c.roster[4])
	finished := c.engines[0].slots[1]
	require.NotNil(t, finished)

	st := &types.Statement{
		Kind:         types.MsgExternalize,
		Slot:         1,
		Ballot:       types.Ballot{Counter: finished.ballot.Counter, Value: c.value},
		CommitQuorum: finished.proof,
	}
	c.engines[0].sign(st)

	laggard := c.engines[4]
	laggard.handleStart(1)
	laggard.handleStatement(cloneStatement(t, st))
	v, ok := c.externalized[c.roster[4]]
	require.True(t, ok, "laggard adopts the externalized value")
	assert.Equal(t, c.value, v)
}

func TestEquivocatorIgnoredForSlot(t *testing.T) {
	c := newCluster(t, 5, 3)
	target := c.engines[0]
	target.handleStart(1)

	evil := c.roster[2]
	a := &types.Statement{
		Kind:  types.MsgNominate,
		Slot:  1,
		Voted: []types.Hash{types.HashValue([]byte("A"))},
	}
	b := &types.Statement{
		Kind:  types.MsgNominate,
		Slot:  1,
		Voted: []types.Hash{types.HashValue([]byte("B"))}, // retracts A
	}
	for _, st := range []*types.Statement{a, b} {
		st.NetworkID = c.network
		st.Sender = evil
		st.Sign(c.keys[2])
	}

	target.handleStatement(cloneStatement(t, a))
	target.handleStatement(cloneStatement(t, b))

	s := target.slots[1]
	require.NotNil(t, s)
	assert.True(t, s.ignored[evil], "equivocator treated as crashed for the slot")
	_, held := s.nomStmts[evil]
	assert.False(t, held)
}

func TestCrossSlotReplayRejected(t *testing.T) {
	c := newCluster(t, 5, 3)
	target := c.engines[0]
	target.handleStart(1)

	st := &types.Statement{
		Kind:  types.MsgNominate,
		Slot:  2, // signed for slot 2
		Voted: []types.Hash{c.value},
	}
	st.NetworkID = c.network
	st.Sender = c.roster[1]
	st.Sign(c.keys[1])

	// Delivering it re-labeled for slot 1 breaks the signature.
	relabeled := cloneStatement(t, st)
	relabeled.Slot = 1
	target.handleStatement(relabeled)
	if s := target.slots[1]; s != nil {
		_, held := s.nomStmts[c.roster[1]]
		assert.False(t, held, "statement signed for another slot must be rejected")
	}
}

func TestWrongNetworkRejected(t *testing.T) {
	c := newCluster(t, 5, 3)
	target := c.engines[0]
	target.handleStart(1)

	st := &types.Statement{
		Kind:      types.MsgNominate,
		Slot:      1,
		NetworkID: types.HashValue([]byte("othernet")),
		Sender:    c.roster[1],
		Voted:     []types.Hash{c.value},
	}
	st.Sign(c.keys[1])
	target.handleStatement(cloneStatement(t, st))
	if s := target.slots[1]; s != nil {
		_, held := s.nomStmts[c.roster[1]]
		assert.False(t, held)
	}
}

func TestConsecutiveSlots(t *testing.T) {
	c := newCluster(t, 5, 3)
	c.start(1)
	require.Len(t, c.externalized, 5)

	// Next slot externalizes independently.
	c.externalized = make(map[types.PublicKey]types.Hash)
	c.value = types.HashValue([]byte("second-block"))
	c.start(2)
	require.Len(t, c.externalized, 5)
	for _, v := range c.externalized {
		assert.Equal(t, c.value, v)
	}
}

func TestTimingWheelFires(t *testing.T) {
	fired := make(chan timerID, 1)
	w := newTimingWheel(time.Millisecond, 8, func(id timerID) { fired <- id })
	w.schedule(timerID{slot: 3, counter: 2, kind: timerBallot}, 2*time.Millisecond)
	for i := 0; i < 20; i++ {
		w.advance(time.Now().Add(time.Hour))
	}
	select {
	case id := <-fired:
		assert.Equal(t, uint64(3), id.slot)
		assert.Equal(t, uint32(2), id.counter)
	default:
		t.Fatal("timer did not fire")
	}
}

func TestExponentialTimeoutCap(t *testing.T) {
	eng := newClusterEngine(t)
	base := eng.cfg.TimeoutBase
	assert.Equal(t, base, timeoutFor(eng, 1))
	assert.Equal(t, 2*base, timeoutFor(eng, 2))
	assert.Equal(t, 4*base, timeoutFor(eng, 3))
	assert.Equal(t, eng.cfg.TimeoutCap, timeoutFor(eng, 40))
}

func newClusterEngine(t *testing.T) *Engine {
	c := newCluster(t, 3, 2)
	return c.engines[0]
}

// timeoutFor mirrors armTimer's growth so the policy is pinned by test.
func timeoutFor(e *Engine, counter uint32) time.Duration {
	d := e.cfg.TimeoutBase
	for i := uint32(1); i < counter && d < e.cfg.TimeoutCap; i++ {
		d *= 2
	}
	if d > e.cfg.TimeoutCap {
		d = e.cfg.TimeoutCap
	}
	return d
}
