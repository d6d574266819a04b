package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randHash() Hash {
	var h Hash
	rand.Read(h[:])
	return h
}

func sampleTx() *Transaction {
	in := &TxInput{
		Ring:     []OutputIndex{3, 9, 1, 44, 7, 12, 13, 14, 15, 16, 17},
		KeyImage: KeyImage(randHash()),
		Signature: RingSignature{
			C0:        randHash(),
			Responses: [][32]byte{randHash(), randHash()},
			D:         randHash(),
		},
	}
	in.PseudoCommitment = Commitment(randHash())
	in.TagCommitment = Commitment(randHash())
	out := &TxOutput{
		OneTimeKey:   PublicKey(randHash()),
		Commitment:   Commitment(randHash()),
		EphemeralPub: PublicKey(randHash()),
		PQHint:       []byte{1, 2, 3, 4},
		ClusterTags:  []uint32{7, 21, 0xffffffff},
	}
	copy(out.AmountHint[:], []byte{9, 8, 7, 6, 5, 4, 3, 2})
	return &Transaction{
		Version: 1,
		Inputs:  []*TxInput{in},
		Outputs: []*TxOutput{out},
		Fee:     12345,
		RangeProof: &RangeProof{
			A: randHash(), S: randHash(), T1: randHash(), T2: randHash(),
			TauX: randHash(), Mu: randHash(), T: randHash(),
			L:     [][32]byte{randHash(), randHash()},
			R:     [][32]byte{randHash(), randHash()},
			TailA: randHash(), TailB: randHash(),
		},
		TagProof: &TagProof{
			Challenge: randHash(),
			Responses: [][32]byte{randHash()},
		},
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	tx := sampleTx()
	decoded, err := DecodeTransaction(tx.Encode())
	require.NoError(t, err)
	assert.Equal(t, tx, decoded)
	assert.Equal(t, tx.Hash(), decoded.Hash())
}

func TestBlockRoundTrip(t *testing.T) {
	block := &Block{
		Header: BlockHeader{
			Height:    42,
			PrevHash:  randHash(),
			Timestamp: 1700000000,
			MinterID:  PublicKey(randHash()),
		},
		ConsensusProof: []ValidatorSignature{
			{Validator: PublicKey(randHash())},
			{Validator: PublicKey(randHash())},
		},
		Transactions: []*Transaction{sampleTx(), sampleTx()},
	}
	block.Header.TxRoot = MerkleRoot(block.Transactions)

	decoded, err := DecodeBlock(block.Encode())
	require.NoError(t, err)
	assert.Equal(t, block, decoded)
	assert.Equal(t, block.Hash(), decoded.Hash())
	assert.Equal(t, block.StorageChecksum(), decoded.StorageChecksum())
}

func TestBlockHashIgnoresProof(t *testing.T) {
	block := &Block{Header: BlockHeader{Height: 1, TxRoot: MerkleRoot(nil)}}
	before := block.Hash()
	block.ConsensusProof = []ValidatorSignature{{Validator: PublicKey(randHash())}}
	assert.Equal(t, before, block.Hash())
	assert.NotEqual(t, block.Hash(), block.StorageChecksum())
}

func TestDecodeTruncated(t *testing.T) {
	data := sampleTx().Encode()
	for _, cut := range []int{0, 1, 10, len(data) / 2, len(data) - 1} {
		_, err := DecodeTransaction(data[:cut])
		assert.ErrorIs(t, err, ErrMalformed, "cut at %d", cut)
	}
}

func TestMerkleRoot(t *testing.T) {
	empty := MerkleRoot(nil)
	assert.False(t, empty.IsZero())

	one := []*Transaction{sampleTx()}
	two := []*Transaction{one[0], sampleTx()}
	assert.NotEqual(t, MerkleRoot(one), MerkleRoot(two))
	assert.Equal(t, MerkleRoot(two), MerkleRoot(two))
	// Odd counts duplicate the trailing leaf.
	three := append(two, sampleTx())
	assert.NotEqual(t, MerkleRoot(two), MerkleRoot(three))
}

func TestStatementRoundTripAndSigning(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	st := &Statement{
		Kind:      MsgPrepare,
		NetworkID: randHash(),
		Slot:      7,
		Ballot:    Ballot{Counter: 3, Value: randHash()},
		Prepared:  Ballot{Counter: 2, Value: randHash()},
		CLow:      1,
		CHigh:     3,
	}
	copy(st.Sender[:], pub)
	st.Sign(priv)
	require.True(t, st.VerifySignature())

	decoded, err := DecodeStatement(st.Encode())
	require.NoError(t, err)
	assert.Equal(t, st, decoded)
	assert.True(t, decoded.VerifySignature())

	// Any mutation of the signed body invalidates the signature.
	decoded.Slot = 8
	assert.False(t, decoded.VerifySignature())
}

func TestStatementRejectsBadKind(t *testing.T) {
	st := &Statement{Kind: MsgGetBlocks, Slot: 1}
	_, err := DecodeStatement(st.Encode())
	assert.Error(t, err)
}

func TestBallotOrdering(t *testing.T) {
	low := Ballot{Counter: 1, Value: Hash{0x01}}
	high := Ballot{Counter: 2, Value: Hash{0x00}}
	assert.True(t, low.Less(high))
	assert.False(t, high.Less(low))

	// Same counter orders by value bytes.
	a := Ballot{Counter: 1, Value: Hash{0x01}}
	b := Ballot{Counter: 1, Value: Hash{0x02}}
	assert.True(t, a.Less(b))
	assert.True(t, a.Compatible(Ballot{Counter: 9, Value: Hash{0x01}}))
}

func TestGetBlocksRoundTrip(t *testing.T) {
	g := &GetBlocks{From: 10, To: 20}
	decoded, err := DecodeGetBlocks(g.Encode())
	require.NoError(t, err)
	assert.Equal(t, g, decoded)
}

func TestBlocksMsgRoundTrip(t *testing.T) {
	block := &Block{Header: BlockHeader{Height: 5, TxRoot: MerkleRoot(nil)}}
	msg := &BlocksMsg{Blocks: []*Block{block}}
	decoded, err := DecodeBlocksMsg(msg.Encode())
	require.NoError(t, err)
	require.Len(t, decoded.Blocks, 1)
	assert.Equal(t, block.Hash(), decoded.Blocks[0].Hash())
}

func TestSigningHashExcludesSignatures(t *testing.T) {
	tx := sampleTx()
	before := tx.SigningHash()
	tx.Inputs[0].Signature.Responses[0] = randHash()
	assert.Equal(t, before, tx.SigningHash())
	assert.NotEqual(t, before, tx.Hash())

	// But it binds everything else.
	tx.Fee++
	assert.NotEqual(t, before, tx.SigningHash())
}
