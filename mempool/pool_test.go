package mempool_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/mempool"
	"github.com/botho-network/botho/testutil"
	"github.com/botho-network/botho/types"
	"github.com/botho-network/botho/validation"
)

var testTags = []uint32{1, 2}

func newPool(t *testing.T, c *testutil.Chain, maxBytes int) *mempool.Pool {
	t.Helper()
	return mempool.New(mempool.Config{
		MaxPoolBytes: maxBytes,
		Rules:        validation.Rules{RingSize: types.MinRingSize},
	}, c.Store)
}

func spend(t *testing.T, c *testutil.Chain, real int, fee uint64) *types.Transaction {
	t.Helper()
	return testutil.SpendTx(t, testutil.SpendParams{
		Universe: c.Funded,
		Real:     c.Funded[real],
		Ring:     testutil.RingOver(c.Funded, c.Funded[real], types.MinRingSize),
		Fee:      fee,
		OutTags:  testTags,
	})
}

func TestSubmitAndResubmit(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	pool := newPool(t, c, 0)

	tx := spend(t, c, 0, 10)
	require.NoError(t, pool.Submit(tx))
	count, bytes := pool.Stats()
	assert.Equal(t, 1, count)
	assert.Greater(t, bytes, 0)

	// Resubmission is a no-op success.
	require.NoError(t, pool.Submit(tx))
	count, _ = pool.Stats()
	assert.Equal(t, 1, count)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	pool := newPool(t, c, 0)

	tx := spend(t, c, 0, 10)
	tx.Inputs[0].Signature.C0[0] ^= 1
	assert.ErrorIs(t, pool.Submit(tx), types.ErrBadSignature)
	count, _ := pool.Stats()
	assert.Equal(t, 0, count)
}

func TestConflictKeepsHigherFeeRate(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	pool := newPool(t, c, 0)

	cheap := spend(t, c, 0, 10)
	rich := spend(t, c, 0, 500) // same real output, same key image
	require.NoError(t, pool.Submit(cheap))

	require.NoError(t, pool.Submit(rich))
	count, _ := pool.Stats()
	assert.Equal(t, 1, count)

	// The cheaper conflict is now refused.
	again := spend(t, c, 0, 20)
	assert.ErrorIs(t, pool.Submit(again), types.ErrConflict)
}

func TestCandidateSetOrdering(t *testing.T) {
	c := testutil.NewChain(t, 40, testTags)
	pool := newPool(t, c, 0)

	fees := []uint64{10, 400, 50}
	var txs []*types.Transaction
	for i, fee := range fees {
		tx := spend(t, c, i, fee)
		require.NoError(t, pool.Submit(tx))
		txs = append(txs, tx)
	}

	set := pool.TakeCandidateSet(0, 0)
	require.Len(t, set, 3)
	// Fee-per-byte descending; sizes are near-identical so fee order
	// dominates.
	assert.Equal(t, txs[1].Hash(), set[0].Hash())
	assert.Equal(t, txs[2].Hash(), set[1].Hash())
	assert.Equal(t, txs[0].Hash(), set[2].Hash())

	// Count bound gives the deterministic prefix.
	capped := pool.TakeCandidateSet(0, 2)
	require.Len(t, capped, 2)
	assert.Equal(t, set[0].Hash(), capped[0].Hash())
	assert.Equal(t, set[1].Hash(), capped[1].Hash())
}

func TestNotifyAppliedRemovesIncludedAndConflicting(t *testing.T) {
	c := testutil.NewChain(t, 40, testTags)
	pool := newPool(t, c, 0)

	included := spend(t, c, 0, 10)
	unrelated := spend(t, c, 1, 10)
	pooled := spend(t, c, 2, 10)
	require.NoError(t, pool.Submit(included))
	require.NoError(t, pool.Submit(unrelated))
	require.NoError(t, pool.Submit(pooled))

	// A different spend of the pooled entry's output lands in the block,
	// so the pooled entry now conflicts with an applied key image.
	rival := spend(t, c, 2, 20)
	txs := []*types.Transaction{included, rival}

	height, hash, _ := c.Store.Tip()
	block := &types.Block{
		Header: types.BlockHeader{
			Height:    height + 1,
			PrevHash:  hash,
			TxRoot:    types.MerkleRoot(txs),
			Timestamp: uint64(time.Now().Unix()),
		},
		Transactions: txs,
	}
	require.NoError(t, c.Store.ApplyBlock(block))
	pool.NotifyApplied(block)

	count, _ := pool.Stats()
	assert.Equal(t, 1, count)
	set := pool.TakeCandidateSet(0, 0)
	require.Len(t, set, 1)
	assert.Equal(t, unrelated.Hash(), set[0].Hash())
}

func TestEvictionByFeePriority(t *testing.T) {
	c := testutil.NewChain(t, 40, testTags)
	first := spend(t, c, 0, 10)
	size := first.SizeBytes()
	// Room for roughly two transactions.
	pool := newPool(t, c, 2*size+size/2)

	require.NoError(t, pool.Submit(first))
	require.NoError(t, pool.Submit(spend(t, c, 1, 100)))

	// A richer newcomer displaces the cheapest resident.
	require.NoError(t, pool.Submit(spend(t, c, 2, 1000)))
	count, _ := pool.Stats()
	assert.Equal(t, 2, count)
	for _, tx := range pool.TakeCandidateSet(0, 0) {
		assert.NotEqual(t, first.Hash(), tx.Hash(), "cheapest must be evicted")
	}

	// A pauper newcomer is refused instead.
	err := pool.Submit(spend(t, c, 3, 1))
	assert.ErrorIs(t, err, types.ErrTransient)
}

func TestNotifyReorgAssertsExtendingTip(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	pool := newPool(t, c, 0)
	require.NoError(t, pool.NotifyReorg(0))
	require.NoError(t, pool.NotifyReorg(5))

	height, hash, _ := c.Store.Tip()
	block := &types.Block{
		Header: types.BlockHeader{
			Height:   height + 1,
			PrevHash: hash,
			TxRoot:   types.MerkleRoot(nil),
		},
	}
	require.NoError(t, c.Store.ApplyBlock(block))
	assert.ErrorIs(t, pool.NotifyReorg(0), types.ErrFatalDivergence)
}
