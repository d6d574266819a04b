package ledger_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/testutil"
	"github.com/botho-network/botho/types"
)

func TestSampleDecoys(t *testing.T) {
	c := testutil.NewChain(t, 40, testTags)
	rng := rand.New(rand.NewSource(1))

	decoys, err := c.Store.SampleDecoys(5, types.MinRingSize, rng)
	require.NoError(t, err)
	require.Len(t, decoys, types.MinRingSize-1)

	seen := make(map[types.OutputIndex]bool)
	for _, idx := range decoys {
		assert.NotEqual(t, types.OutputIndex(5), idx, "real index must be excluded")
		assert.False(t, seen[idx], "decoys must be distinct")
		seen[idx] = true
		// Every decoy is a real ledger output.
		_, err := c.Store.Output(idx)
		require.NoError(t, err)
	}
}

func TestSampleDecoysInsufficient(t *testing.T) {
	// Ten outputs leave nine siblings, too few to pad an 11-ring.
	c := testutil.NewChain(t, 10, testTags)
	rng := rand.New(rand.NewSource(1))
	_, err := c.Store.SampleDecoys(0, types.MinRingSize, rng)
	assert.ErrorIs(t, err, types.ErrInsufficientDecoys)
}

func TestSampleDecoysSimilarityConstraint(t *testing.T) {
	// The funded set shares tags; one extra block adds outputs with
	// disjoint tags that must never be chosen as decoys.
	c := testutil.NewChain(t, 20, testTags)
	tx := testutil.SpendTx(t, testutil.SpendParams{
		Universe: c.Funded,
		Real:     c.Funded[0],
		Ring:     testutil.RingOver(c.Funded, c.Funded[0], types.MinRingSize),
		Fee:      10,
		OutTags:  []uint32{999}, // dissimilar cluster
	})
	height, hash, _ := c.Store.Tip()
	block := &types.Block{
		Header: types.BlockHeader{
			Height:   height + 1,
			PrevHash: hash,
			TxRoot:   types.MerkleRoot([]*types.Transaction{tx}),
		},
		Transactions: []*types.Transaction{tx},
	}
	require.NoError(t, c.Store.ApplyBlock(block))

	rng := rand.New(rand.NewSource(7))
	decoys, err := c.Store.SampleDecoys(3, types.MinRingSize, rng)
	require.NoError(t, err)
	for _, idx := range decoys {
		assert.Less(t, uint64(idx), uint64(20), "dissimilar outputs must not appear")
	}
}

func TestSampleDecoysBadRingSize(t *testing.T) {
	c := testutil.NewChain(t, 20, testTags)
	rng := rand.New(rand.NewSource(1))
	_, err := c.Store.SampleDecoys(0, types.MinRingSize-1, rng)
	assert.ErrorIs(t, err, types.ErrMalformed)
	_, err = c.Store.SampleDecoys(0, types.MaxRingSize+1, rng)
	assert.ErrorIs(t, err, types.ErrMalformed)
}

func TestSampleDecoysUnknownReal(t *testing.T) {
	c := testutil.NewChain(t, 20, testTags)
	rng := rand.New(rand.NewSource(1))
	_, err := c.Store.SampleDecoys(500, types.MinRingSize, rng)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
