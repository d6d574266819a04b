package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/types"
)

func vkey(b byte) types.PublicKey {
	var pk types.PublicKey
	pk[0] = b
	return pk
}

func flatQSet(threshold int, keys ...types.PublicKey) *QuorumSet {
	return &QuorumSet{Threshold: threshold, Validators: keys}
}

func nodeSet(keys ...types.PublicKey) NodeSet {
	s := make(NodeSet)
	for _, k := range keys {
		s[k] = true
	}
	return s
}

func TestQuorumSetValidate(t *testing.T) {
	require.NoError(t, flatQSet(3, vkey(1), vkey(2), vkey(3), vkey(4), vkey(5)).Validate())
	assert.Error(t, flatQSet(0, vkey(1)).Validate())
	assert.Error(t, flatQSet(2, vkey(1)).Validate())
	assert.Error(t, (&QuorumSet{Threshold: 1}).Validate())

	nested := &QuorumSet{
		Threshold:  2,
		Validators: []types.PublicKey{vkey(1)},
		Inner:      []*QuorumSet{flatQSet(1, vkey(2), vkey(3))},
	}
	require.NoError(t, nested.Validate())
}

func TestQuorumSetIDStable(t *testing.T) {
	a := flatQSet(2, vkey(1), vkey(2), vkey(3))
	b := flatQSet(2, vkey(3), vkey(1), vkey(2)) // order-insensitive
	c := flatQSet(3, vkey(1), vkey(2), vkey(3))
	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestHasQuorumFlat(t *testing.T) {
	keys := []types.PublicKey{vkey(1), vkey(2), vkey(3), vkey(4), vkey(5)}
	qset := flatQSet(3, keys...)
	eval := NewQuorumEval(keys[0], func(types.PublicKey) *QuorumSet { return qset })

	assert.True(t, eval.HasQuorum(nodeSet(keys[0], keys[1], keys[2])))
	assert.True(t, eval.HasQuorum(nodeSet(keys...)))
	assert.False(t, eval.HasQuorum(nodeSet(keys[0], keys[1])))
	// A quorum must contain self.
	assert.False(t, eval.HasQuorum(nodeSet(keys[1], keys[2], keys[3])))
}

func TestVBlockingFlat(t *testing.T) {
	keys := []types.PublicKey{vkey(1), vkey(2), vkey(3), vkey(4), vkey(5)}
	qset := flatQSet(3, keys...)
	eval := NewQuorumEval(keys[0], func(types.PublicKey) *QuorumSet { return qset })

	// With threshold 3 of 5, any 3 members block (5-3=2 may be lost).
	assert.True(t, eval.IsVBlocking(nodeSet(keys[1], keys[2], keys[3])))
	assert.False(t, eval.IsVBlocking(nodeSet(keys[1], keys[2])))
	assert.False(t, eval.IsVBlocking(nodeSet()))
}

func TestNestedQuorum(t *testing.T) {
	// Self plus one of two two-member groups.
	self := vkey(1)
	groupA := flatQSet(2, vkey(2), vkey(3))
	groupB := flatQSet(2, vkey(4), vkey(5))
	qset := &QuorumSet{
		Threshold:  2,
		Validators: []types.PublicKey{self},
		Inner:      []*QuorumSet{groupA, groupB},
	}
	require.NoError(t, qset.Validate())
	eval := NewQuorumEval(self, func(types.PublicKey) *QuorumSet { return qset })

	assert.True(t, eval.HasQuorum(nodeSet(self, vkey(2), vkey(3))))
	assert.True(t, eval.HasQuorum(nodeSet(self, vkey(4), vkey(5))))
	assert.False(t, eval.HasQuorum(nodeSet(self, vkey(2), vkey(4))))

	// Breaking both inner groups blocks self.
	assert.True(t, eval.IsVBlocking(nodeSet(vkey(2), vkey(4))))
	assert.False(t, eval.IsVBlocking(nodeSet(vkey(2))))
}

func TestSharedInnerSetIsDAGSafe(t *testing.T) {
	shared := flatQSet(1, vkey(7), vkey(8))
	qset := &QuorumSet{
		Threshold: 2,
		Inner: []*QuorumSet{
			{Threshold: 2, Validators: []types.PublicKey{vkey(1)}, Inner: []*QuorumSet{shared}},
			{Threshold: 2, Validators: []types.PublicKey{vkey(2)}, Inner: []*QuorumSet{shared}},
		},
	}
	require.NoError(t, qset.Validate())
	eval := NewQuorumEval(vkey(1), func(types.PublicKey) *QuorumSet { return qset })
	assert.True(t, eval.IsVBlocking(nodeSet(vkey(7), vkey(8))))
}

func TestContainsQuorum(t *testing.T) {
	keys := []types.PublicKey{vkey(1), vkey(2), vkey(3), vkey(4), vkey(5)}
	qset := flatQSet(3, keys...)
	eval := NewQuorumEval(types.PublicKey{}, func(types.PublicKey) *QuorumSet { return qset })
	assert.True(t, eval.ContainsQuorum(nodeSet(keys[0], keys[1], keys[2])))
	assert.False(t, eval.ContainsQuorum(nodeSet(keys[0], keys[1])))
}
