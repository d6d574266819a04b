package types

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Protocol constants. Ring size is configurable per network inside
// [MinRingSize, MaxRingSize]; the similarity floor and the hint size are
// fixed for all networks.
const (
	MinRingSize = 11
	MaxRingSize = 20

	// SimilarityFloor is the minimum Jaccard similarity between the real
	// output's cluster-tag set and a decoy candidate's.
	SimilarityFloor = 0.70

	AmountHintSize = 8
)

// Hash represents a 32-byte BLAKE2b hash
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Less gives the fixed byte-comparison ordering used for tie-breaks.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// PublicKey represents an Ed25519 validator public key
type PublicKey [32]byte

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Signature represents an Ed25519 signature
type Signature [64]byte

// OutputIndex uniquely identifies every output ever created. Indexes are
// assigned in block-application order and never reused.
type OutputIndex uint64

// KeyImage is the compressed point derived from an output's one-time
// secret. Two spends of the same output collide on the image.
type KeyImage [32]byte

func (ki KeyImage) String() string {
	return hex.EncodeToString(ki[:])
}

// Commitment is a compressed Pedersen commitment C = amount*H + blinding*G.
type Commitment [32]byte

// TxOutput is one output of a transaction: a one-time key, a hidden
// amount, the stealth payload the recipient scans with, and the
// cluster-tag vector the similarity index groups by.
type TxOutput struct {
	OneTimeKey    PublicKey
	Commitment    Commitment
	TagCommitment Commitment
	AmountHint    [AmountHintSize]byte
	EphemeralPub  PublicKey
	PQHint        []byte // ML-KEM ciphertext for post-quantum scanning
	ClusterTags   []uint32
}

// RingSignature is a CLSAG signature: an initial challenge, one response
// scalar per ring member, and the auxiliary commitment key image D.
type RingSignature struct {
	C0        [32]byte
	Responses [][32]byte
	D         [32]byte
}

// TxInput spends one ring member without revealing which. The pseudo
// commitment re-blinds the spent amount so the balance equation can be
// checked without identifying the real ring member; the ring signature
// binds the real member's commitment to it. The tag commitment does the
// same for cluster-tag mass.
type TxInput struct {
	Ring             []OutputIndex
	KeyImage         KeyImage
	PseudoCommitment Commitment
	TagCommitment    Commitment
	Signature        RingSignature
}

// RangeProof is an aggregated Bulletproof covering every output
// commitment of a transaction.
type RangeProof struct {
	A, S, T1, T2 [32]byte
	TauX, Mu, T  [32]byte
	L, R         [][32]byte
	TailA, TailB [32]byte
}

// TagProof is the Schnorr linear-relation proof tying input cluster-tag
// commitments to output cluster-tag commitments.
type TagProof struct {
	Challenge [32]byte
	Responses [][32]byte
}

// Transaction represents a private transaction
type Transaction struct {
	Version    uint8
	Inputs     []*TxInput
	Outputs    []*TxOutput
	Fee        uint64
	RangeProof *RangeProof
	TagProof   *TagProof
}

// Hash computes the transaction hash over the canonical encoding.
func (tx *Transaction) Hash() Hash {
	return blake2b.Sum256(tx.Encode())
}

// SigningHash is the message each input's ring signature covers: the
// transaction with every ring signature blanked, so signatures commit
// to all content without committing to each other.
func (tx *Transaction) SigningHash() Hash {
	stripped := &Transaction{
		Version:    tx.Version,
		Outputs:    tx.Outputs,
		Fee:        tx.Fee,
		RangeProof: tx.RangeProof,
		TagProof:   tx.TagProof,
	}
	stripped.Inputs = make([]*TxInput, len(tx.Inputs))
	for i, in := range tx.Inputs {
		stripped.Inputs[i] = &TxInput{
			Ring:             in.Ring,
			KeyImage:         in.KeyImage,
			PseudoCommitment: in.PseudoCommitment,
			TagCommitment:    in.TagCommitment,
		}
	}
	return blake2b.Sum256(stripped.Encode())
}

// ValidatorSignature is one validator's commit vote carried in a block's
// consensus proof.
type ValidatorSignature struct {
	Validator PublicKey
	Signature Signature
}

// BlockHeader contains block metadata. The field order matches the disk
// layout: height, prev hash, tx merkle root, timestamp, minter id,
// consensus proof length.
type BlockHeader struct {
	Height    uint64
	PrevHash  Hash
	TxRoot    Hash
	Timestamp uint64
	MinterID  PublicKey
}

// Block represents an externalized block in the chain
type Block struct {
	Header         BlockHeader
	ConsensusProof []ValidatorSignature
	Transactions   []*Transaction
}

// Hash computes the block's chain hash over the header alone. The
// consensus proof cannot participate: validators may collect different
// commit quorums for the same slot, and the hash chain must not fork
// over that.
func (b *Block) Hash() Hash {
	var buf bytes.Buffer
	b.encodeHeader(&buf)
	return blake2b.Sum256(buf.Bytes())
}

// StorageChecksum hashes header plus proof bytes, the integrity check
// over the full on-disk record.
func (b *Block) StorageChecksum() Hash {
	var buf bytes.Buffer
	b.encodeHeaderAndProof(&buf)
	return blake2b.Sum256(buf.Bytes())
}

// MerkleRoot computes the BLAKE2b Merkle root over transaction hashes in
// block order. An empty set hashes a domain tag so the zero-transaction
// block has a well-defined root.
func MerkleRoot(txs []*Transaction) Hash {
	if len(txs) == 0 {
		return blake2b.Sum256([]byte("botho.merkle.empty"))
	}
	layer := make([]Hash, len(txs))
	for i, tx := range txs {
		layer[i] = tx.Hash()
	}
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([]Hash, len(layer)/2)
		for i := range next {
			var pair [64]byte
			copy(pair[:32], layer[2*i][:])
			copy(pair[32:], layer[2*i+1][:])
			next[i] = blake2b.Sum256(pair[:])
		}
		layer = next
	}
	return layer[0]
}

// HashValue hashes arbitrary candidate-value bytes for ballot ordering.
func HashValue(data []byte) Hash {
	return blake2b.Sum256(data)
}
