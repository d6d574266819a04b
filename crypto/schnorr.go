package crypto

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/botho-network/botho/types"
)

// Conservation-of-attribution proof. Cluster-tag mass is carried in tag
// commitments: sum of hash-to-point terms for each tag, plus a blinding
// term. When the mass moving into a transaction equals the mass coming
// out, the difference of the commitment sums collapses to delta*G, and a
// standard three-move Schnorr proof of knowledge of delta (made
// non-interactive by Fiat-Shamir) certifies it. The transcript binds
// the domain tag, protocol version and every public commitment.

var (
	tagPointDomain  = []byte("botho.v1.tag.point")
	tagProofDomain  = []byte("botho.v1.tag.proof")
	tagProofVersion = []byte{1}
)

func tagPoint(tag uint32) *Point {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], tag)
	return hashToPoint(tagPointDomain, b[:])
}

// TagCommit commits to a cluster-tag multiset under a blinding scalar.
func TagCommit(tags []uint32, blinding *Scalar) types.Commitment {
	p := new(Point).ScalarBaseMult(blinding)
	for _, t := range tags {
		p.Add(p, tagPoint(t))
	}
	return types.Commitment(pointBytes32(p))
}

func tagChallenge(inputs, outputs []types.Commitment, r *Point) *Scalar {
	parts := make([][]byte, 0, len(inputs)+len(outputs)+2)
	parts = append(parts, tagProofVersion)
	for i := range inputs {
		parts = append(parts, inputs[i][:])
	}
	for i := range outputs {
		parts = append(parts, outputs[i][:])
	}
	parts = append(parts, r.Bytes())
	return HashToScalar(tagProofDomain, parts...)
}

func tagDifference(inputs, outputs []types.Commitment) (*Point, error) {
	in, err := SumCommitments(inputs)
	if err != nil {
		return nil, err
	}
	out, err := SumCommitments(outputs)
	if err != nil {
		return nil, err
	}
	return new(Point).Subtract(in, out), nil
}

// ProveTagConservation proves sum(inputs) - sum(outputs) = delta*G.
// delta is the net blinding: sum of input tag blindings minus sum of
// output tag blindings.
func ProveTagConservation(inputs, outputs []types.Commitment, delta *Scalar) (*types.TagProof, error) {
	diff, err := tagDifference(inputs, outputs)
	if err != nil {
		return nil, err
	}
	if new(Point).ScalarBaseMult(delta).Equal(diff) != 1 {
		return nil, errors.New("delta does not open the commitment difference")
	}
	k := RandomScalar()
	r := new(Point).ScalarBaseMult(k)
	c := tagChallenge(inputs, outputs, r)
	s := new(Scalar).Subtract(k, new(Scalar).Multiply(c, delta))
	proof := &types.TagProof{
		Challenge: scalarBytes32(c),
		Responses: [][32]byte{scalarBytes32(s)},
	}
	return proof, nil
}

// VerifyTagConservation checks the linear-relation proof against the
// public tag commitments.
func VerifyTagConservation(proof *types.TagProof, inputs, outputs []types.Commitment) error {
	if len(proof.Responses) != 1 {
		return errors.Wrap(types.ErrBadProof, "response shape")
	}
	c, err := DecodeScalar(proof.Challenge)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "non-canonical challenge")
	}
	s, err := DecodeScalar(proof.Responses[0])
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "non-canonical response")
	}
	diff, err := tagDifference(inputs, outputs)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "commitment encoding")
	}
	// R = s*G + c*D reconstructs the prover's nonce commitment.
	r := new(Point).VarTimeDoubleScalarBaseMult(c, diff, s)
	if tagChallenge(inputs, outputs, r).Equal(c) != 1 {
		return errors.Wrap(types.ErrBadProof, "challenge mismatch")
	}
	return nil
}
