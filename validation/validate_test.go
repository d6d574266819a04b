package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/testutil"
	"github.com/botho-network/botho/types"
	"github.com/botho-network/botho/validation"
)

var (
	testTags = []uint32{5, 6}
	rules    = validation.Rules{RingSize: types.MinRingSize}
)

func buildSpend(t *testing.T, c *testutil.Chain, real int) *types.Transaction {
	t.Helper()
	return testutil.SpendTx(t, testutil.SpendParams{
		Universe: c.Funded,
		Real:     c.Funded[real],
		Ring:     testutil.RingOver(c.Funded, c.Funded[real], types.MinRingSize),
		Fee:      10,
		OutTags:  testTags,
	})
}

func TestValidTransaction(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	tx := buildSpend(t, c, 0)
	view := c.Store.Snapshot()
	defer view.Close()
	require.NoError(t, validation.Validate(tx, view, rules))
}

func TestStructuralFailures(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	view := c.Store.Snapshot()
	defer view.Close()

	base := buildSpend(t, c, 0)

	t.Run("no inputs", func(t *testing.T) {
		tx := *base
		tx.Inputs = nil
		assert.ErrorIs(t, validation.Validate(&tx, view, rules), types.ErrMalformed)
	})
	t.Run("no outputs", func(t *testing.T) {
		tx := *base
		tx.Outputs = nil
		assert.ErrorIs(t, validation.Validate(&tx, view, rules), types.ErrMalformed)
	})
	t.Run("wrong ring size", func(t *testing.T) {
		tx := buildSpend(t, c, 1)
		tx.Inputs[0].Ring = tx.Inputs[0].Ring[:types.MinRingSize-1]
		assert.ErrorIs(t, validation.Validate(tx, view, rules), types.ErrMalformed)
	})
	t.Run("missing range proof", func(t *testing.T) {
		tx := *base
		tx.RangeProof = nil
		assert.ErrorIs(t, validation.Validate(&tx, view, rules), types.ErrMalformed)
	})
	t.Run("missing tag proof", func(t *testing.T) {
		tx := *base
		tx.TagProof = nil
		assert.ErrorIs(t, validation.Validate(&tx, view, rules), types.ErrMalformed)
	})
	t.Run("oversized", func(t *testing.T) {
		small := validation.Rules{RingSize: types.MinRingSize, MaxTxBytes: 64}
		assert.ErrorIs(t, validation.Validate(base, view, small), types.ErrMalformed)
	})
}

func TestDoubleSpendAgainstLedger(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	tx := buildSpend(t, c, 0)
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

	// Re-spending the same output now fails at the spent-set check.
	tx2 := buildSpend(t, c, 0)
	view := c.Store.Snapshot()
	defer view.Close()
	assert.ErrorIs(t, validation.Validate(tx2, view, rules), types.ErrDoubleSpend)
}

func TestUnknownRingMember(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	tx := buildSpend(t, c, 0)
	// Point one decoy past the snapshot's output universe; this is
	// also what rejects same-block output references.
	for i, idx := range tx.Inputs[0].Ring {
		if idx != c.Funded[0].Index {
			tx.Inputs[0].Ring[i] = types.OutputIndex(10_000)
			break
		}
	}
	view := c.Store.Snapshot()
	defer view.Close()
	assert.ErrorIs(t, validation.Validate(tx, view, rules), types.ErrUnknownOutput)
}

func TestUnbalancedRejected(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	tx := testutil.SpendTx(t, testutil.SpendParams{
		Universe: c.Funded,
		Real:     c.Funded[0],
		Ring:     testutil.RingOver(c.Funded, c.Funded[0], types.MinRingSize),
		Fee:      10,
		OutTags:  testTags,
		BreakFee: true,
	})
	view := c.Store.Snapshot()
	defer view.Close()
	assert.ErrorIs(t, validation.Validate(tx, view, rules), types.ErrBadProof)
}

func TestTamperedRingSignatureRejected(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	tx := buildSpend(t, c, 0)
	tx.Inputs[0].Signature.C0[0] ^= 1
	view := c.Store.Snapshot()
	defer view.Close()
	assert.ErrorIs(t, validation.Validate(tx, view, rules), types.ErrBadSignature)
}

func TestSwappedRangeProofRejected(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	tx := buildSpend(t, c, 0)
	other := buildSpend(t, c, 1)
	tx.RangeProof = other.RangeProof
	view := c.Store.Snapshot()
	defer view.Close()
	assert.ErrorIs(t, validation.Validate(tx, view, rules), types.ErrBadProof)
}

func TestBlockCrossChecks(t *testing.T) {
	c := testutil.NewChain(t, 30, testTags)
	tx1 := buildSpend(t, c, 0)
	tx2 := buildSpend(t, c, 1)
	view := c.Store.Snapshot()
	defer view.Close()

	require.NoError(t, validation.ValidateBlockTxs([]*types.Transaction{tx1, tx2}, view, rules))

	// Two transactions sharing a key image condemn the block even
	// though each validates alone.
	tx1b := buildSpend(t, c, 0)
	require.NoError(t, validation.Validate(tx1b, view, rules))
	err := validation.ValidateBlockTxs([]*types.Transaction{tx1, tx1b}, view, rules)
	assert.ErrorIs(t, err, types.ErrDoubleSpend)
}

func TestValidateIsPure(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	tx := buildSpend(t, c, 0)
	view := c.Store.Snapshot()
	defer view.Close()
	// Repeated validation of the same snapshot gives the same answer
	// and leaves no trace.
	for i := 0; i < 3; i++ {
		require.NoError(t, validation.Validate(tx, view, rules))
	}
	spent, err := view.IsSpent(tx.Inputs[0].KeyImage)
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestCommitmentEncodingRejected(t *testing.T) {
	c := testutil.NewChain(t, 15, testTags)
	tx := buildSpend(t, c, 0)
	// A pseudo commitment that is not a valid point encoding.
	for i := range tx.Inputs[0].PseudoCommitment {
		tx.Inputs[0].PseudoCommitment[i] = 0xff
	}
	view := c.Store.Snapshot()
	defer view.Close()
	err := validation.Validate(tx, view, rules)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrDoubleSpend)
}
