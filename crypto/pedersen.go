package crypto

import (
	"filippo.io/edwards25519"

	"github.com/botho-network/botho/types"
)

// Commit builds the Pedersen commitment C = amount*H + blinding*G.
func Commit(amount uint64, blinding *Scalar) types.Commitment {
	a := ScalarFromUint64(amount)
	p := new(Point).VarTimeDoubleScalarBaseMult(a, H, blinding)
	return types.Commitment(pointBytes32(p))
}

// CommitPoint is Commit without the compression step.
func CommitPoint(amount uint64, blinding *Scalar) *Point {
	return new(Point).VarTimeDoubleScalarBaseMult(ScalarFromUint64(amount), H, blinding)
}

// Open verifies that C commits to (amount, blinding).
func Open(c types.Commitment, amount uint64, blinding *Scalar) bool {
	p, err := DecodePoint([32]byte(c))
	if err != nil {
		return false
	}
	return p.Equal(CommitPoint(amount, blinding)) == 1
}

// SumCommitments adds a list of compressed commitments. The homomorphic
// property means the result commits to the sum of the hidden amounts
// under the sum of the blindings.
func SumCommitments(cs []types.Commitment) (*Point, error) {
	sum := edwards25519.NewIdentityPoint()
	for _, c := range cs {
		p, err := DecodePoint([32]byte(c))
		if err != nil {
			return nil, err
		}
		sum.Add(sum, p)
	}
	return sum, nil
}

// BalanceHolds checks sum(inputs) - sum(outputs) - fee*H == identity.
// Amounts stay hidden; only the homomorphic relation is checked.
func BalanceHolds(inputs, outputs []types.Commitment, fee uint64) bool {
	in, err := SumCommitments(inputs)
	if err != nil {
		return false
	}
	out, err := SumCommitments(outputs)
	if err != nil {
		return false
	}
	feeP := new(Point).ScalarMult(ScalarFromUint64(fee), H)
	rhs := new(Point).Add(out, feeP)
	return in.Equal(rhs) == 1
}
