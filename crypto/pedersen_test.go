package crypto

import (
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/types"
)

func TestCommitOpen(t *testing.T) {
	b := RandomScalar()
	c := Commit(42, b)
	assert.True(t, Open(c, 42, b))
	assert.False(t, Open(c, 43, b))
	assert.False(t, Open(c, 42, RandomScalar()))
}

func TestCommitmentHomomorphism(t *testing.T) {
	b1, b2 := RandomScalar(), RandomScalar()
	c1 := Commit(10, b1)
	c2 := Commit(32, b2)
	sum, err := SumCommitments([]types.Commitment{c1, c2})
	require.NoError(t, err)

	bSum := new(Scalar).Add(b1, b2)
	expected := CommitPoint(42, bSum)
	assert.Equal(t, 1, sum.Equal(expected))
}

func TestBalanceHolds(t *testing.T) {
	// in = out1 + out2 + fee
	inB := RandomScalar()
	o1B := RandomScalar()
	o2B := new(Scalar).Subtract(inB, o1B)

	in := Commit(1000, inB)
	o1 := Commit(600, o1B)
	o2 := Commit(390, o2B)

	assert.True(t, BalanceHolds([]types.Commitment{in}, []types.Commitment{o1, o2}, 10))
	assert.False(t, BalanceHolds([]types.Commitment{in}, []types.Commitment{o1, o2}, 11))
	assert.False(t, BalanceHolds([]types.Commitment{in}, []types.Commitment{o1}, 10))
}

func TestCommitSerializationRoundTrip(t *testing.T) {
	b := RandomScalar()
	c := Commit(7, b)
	// A commitment survives the compressed encoding and still opens.
	p, err := DecodePoint([32]byte(c))
	require.NoError(t, err)
	var back types.Commitment
	copy(back[:], p.Bytes())
	assert.Equal(t, c, back)
	assert.True(t, Open(back, 7, b))
}

func TestBasepointsIndependent(t *testing.T) {
	// H must not be the identity or equal to G.
	assert.Equal(t, 0, H.Equal(edwards25519.NewIdentityPoint()))
	assert.Equal(t, 0, H.Equal(G))
	assert.NotEqual(t, G.Bytes(), H.Bytes())
}
