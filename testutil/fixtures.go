// Package testutil builds chain fixtures for package tests: a badger
// store seeded with spendable outputs whose secrets are known, and
// fully proven transactions that pass validation.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/crypto"
	"github.com/botho-network/botho/ledger"
	"github.com/botho-network/botho/storage"
	"github.com/botho-network/botho/types"
)

// FundedOutput is a genesis output with all secrets retained.
type FundedOutput struct {
	Index       types.OutputIndex
	Amount      uint64
	Blinding    *crypto.Scalar
	TagBlinding *crypto.Scalar
	Secret      *crypto.Scalar
	Output      *types.TxOutput
}

// Chain is a store over a temporary directory plus its genesis secrets.
type Chain struct {
	DB     *storage.Database
	Store  *ledger.Store
	Funded []*FundedOutput
}

// MakeOutput fabricates a spendable output with fresh secrets.
func MakeOutput(t *testing.T, amount uint64, tags []uint32) *FundedOutput {
	t.Helper()
	secret := crypto.RandomScalar()
	blinding := crypto.RandomScalar()
	tagBlinding := crypto.RandomScalar()
	oneTime := new(crypto.Point).ScalarBaseMult(secret)
	var oneTimeKey types.PublicKey
	copy(oneTimeKey[:], oneTime.Bytes())
	eph := new(crypto.Point).ScalarBaseMult(crypto.RandomScalar())
	var ephKey types.PublicKey
	copy(ephKey[:], eph.Bytes())
	return &FundedOutput{
		Amount:      amount,
		Blinding:    blinding,
		TagBlinding: tagBlinding,
		Secret:      secret,
		Output: &types.TxOutput{
			OneTimeKey:    oneTimeKey,
			Commitment:    crypto.Commit(amount, blinding),
			TagCommitment: crypto.TagCommit(tags, tagBlinding),
			EphemeralPub:  ephKey,
			ClusterTags:   tags,
		},
	}
}

// GenesisBlock assembles a height-0 block minting the given outputs.
func GenesisBlock(outputs []*FundedOutput) *types.Block {
	mint := &types.Transaction{Version: 1}
	for _, f := range outputs {
		mint.Outputs = append(mint.Outputs, f.Output)
	}
	txs := []*types.Transaction{mint}
	return &types.Block{
		Header: types.BlockHeader{
			Height:    0,
			TxRoot:    types.MerkleRoot(txs),
			Timestamp: uint64(time.Now().Unix()),
		},
		Transactions: txs,
	}
}

// NewChain opens a store in a temp dir and funds count outputs, all
// carrying the same tag set so they can serve as each other's decoys.
func NewChain(t *testing.T, count int, tags []uint32) *Chain {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := ledger.Open(db)
	require.NoError(t, err)

	funded := make([]*FundedOutput, count)
	for i := range funded {
		funded[i] = MakeOutput(t, 1000+uint64(i), tags)
	}
	genesis := GenesisBlock(funded)
	require.NoError(t, store.ApplyBlock(genesis))
	for i := range funded {
		funded[i].Index = types.OutputIndex(i)
	}
	return &Chain{DB: db, Store: store, Funded: funded}
}

// SpendParams tunes SpendTx.
type SpendParams struct {
	Universe []*FundedOutput // outputs ring members resolve from
	Real     *FundedOutput
	Ring     []types.OutputIndex // must contain Real.Index
	Fee      uint64
	OutTags  []uint32 // tags of the first output; must equal the input's for conservation
	NumOuts  int
	BreakFee bool // deliberately unbalance for negative tests
}

// SpendTx builds a fully proven transaction spending one funded
// output. The resulting transaction passes every validation step.
func SpendTx(t *testing.T, p SpendParams) *types.Transaction {
	t.Helper()
	require.GreaterOrEqual(t, p.Real.Amount, p.Fee)
	if p.NumOuts == 0 {
		p.NumOuts = 2
	}

	realPos := -1
	for i, idx := range p.Ring {
		if idx == p.Real.Index {
			realPos = i
		}
	}
	require.GreaterOrEqual(t, realPos, 0, "ring must contain the real output")

	// Pseudo commitment re-blinds the spent amount.
	pseudoBlinding := crypto.RandomScalar()
	pseudo := crypto.Commit(p.Real.Amount, pseudoBlinding)
	z := new(crypto.Scalar).Subtract(p.Real.Blinding, pseudoBlinding)

	// Split amount-minus-fee across outputs; blindings sum to the
	// pseudo blinding so the balance equation closes.
	total := p.Real.Amount - p.Fee
	amounts := make([]uint64, p.NumOuts)
	blindings := make([]*crypto.Scalar, p.NumOuts)
	rest := total
	sumB := new(crypto.Scalar)
	for i := 0; i < p.NumOuts-1; i++ {
		amounts[i] = rest / 2
		rest -= amounts[i]
		blindings[i] = crypto.RandomScalar()
		sumB.Add(sumB, blindings[i])
	}
	amounts[p.NumOuts-1] = rest
	blindings[p.NumOuts-1] = new(crypto.Scalar).Subtract(pseudoBlinding, sumB)

	if p.BreakFee {
		amounts[0]++
	}

	// Tag mass moves wholesale onto the first output; the rest are
	// untagged.
	outTagBlindings := make([]*crypto.Scalar, p.NumOuts)
	tx := &types.Transaction{Version: 1, Fee: p.Fee}
	for i := 0; i < p.NumOuts; i++ {
		outTagBlindings[i] = crypto.RandomScalar()
		tags := []uint32(nil)
		if i == 0 {
			tags = p.OutTags
		}
		secret := crypto.RandomScalar()
		oneTime := new(crypto.Point).ScalarBaseMult(secret)
		var oneTimeKey types.PublicKey
		copy(oneTimeKey[:], oneTime.Bytes())
		eph := new(crypto.Point).ScalarBaseMult(crypto.RandomScalar())
		var ephKey types.PublicKey
		copy(ephKey[:], eph.Bytes())
		tx.Outputs = append(tx.Outputs, &types.TxOutput{
			OneTimeKey:    oneTimeKey,
			Commitment:    crypto.Commit(amounts[i], blindings[i]),
			TagCommitment: crypto.TagCommit(tags, outTagBlindings[i]),
			EphemeralPub:  ephKey,
			ClusterTags:   tags,
		})
	}

	rangeProof, err := crypto.ProveRange(amounts, blindings)
	require.NoError(t, err)
	tx.RangeProof = rangeProof

	// Input tag commitment re-blinds the input's tag mass.
	inTagBlinding := crypto.RandomScalar()
	inTagCommit := crypto.TagCommit(p.OutTags, inTagBlinding)
	delta := new(crypto.Scalar).Set(inTagBlinding)
	for _, b := range outTagBlindings {
		delta.Subtract(delta, b)
	}
	tagProof, err := crypto.ProveTagConservation(
		[]types.Commitment{inTagCommit},
		outputTagCommitments(tx), delta)
	require.NoError(t, err)
	tx.TagProof = tagProof

	input := &types.TxInput{
		Ring:             p.Ring,
		PseudoCommitment: pseudo,
		TagCommitment:    inTagCommit,
	}
	tx.Inputs = []*types.TxInput{input}

	// Resolve the ring members from the chain the caller seeded; the
	// signature must bind the same points validation will load.
	ringMembers := make([]crypto.RingMember, len(p.Ring))
	for i, idx := range p.Ring {
		var member *FundedOutput
		if idx == p.Real.Index {
			member = p.Real
		}
		if member == nil {
			member = findFunded(t, p, idx)
		}
		key, err := crypto.DecodePoint([32]byte(member.Output.OneTimeKey))
		require.NoError(t, err)
		com, err := crypto.DecodePoint([32]byte(member.Output.Commitment))
		require.NoError(t, err)
		ringMembers[i] = crypto.RingMember{Key: key, Commitment: com}
	}

	// The signing hash covers the key image, so set it before hashing.
	input.KeyImage = crypto.KeyImageFor(p.Real.Secret, ringMembers[realPos].Key)
	msg := tx.SigningHash()
	pseudoPoint, err := crypto.DecodePoint([32]byte(pseudo))
	require.NoError(t, err)
	sig, image, err := crypto.SignRing(msg[:], ringMembers, realPos, p.Real.Secret, z, pseudoPoint)
	require.NoError(t, err)
	input.Signature = *sig
	input.KeyImage = image
	return tx
}

func findFunded(t *testing.T, p SpendParams, idx types.OutputIndex) *FundedOutput {
	t.Helper()
	for _, f := range p.Universe {
		if f.Index == idx {
			return f
		}
	}
	t.Fatalf("ring member %d not in test universe", idx)
	return nil
}

func outputTagCommitments(tx *types.Transaction) []types.Commitment {
	out := make([]types.Commitment, len(tx.Outputs))
	for i, o := range tx.Outputs {
		out[i] = o.TagCommitment
	}
	return out
}

// RingOver builds a ring of the first ringSize funded indexes,
// guaranteed to include real.
func RingOver(funded []*FundedOutput, real *FundedOutput, ringSize int) []types.OutputIndex {
	ring := make([]types.OutputIndex, 0, ringSize)
	ring = append(ring, real.Index)
	for _, f := range funded {
		if len(ring) == ringSize {
			break
		}
		if f.Index != real.Index {
			ring = append(ring, f.Index)
		}
	}
	return ring
}
