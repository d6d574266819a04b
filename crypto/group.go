package crypto

import (
	"crypto/rand"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"

	"github.com/botho-network/botho/types"
)

// Scalar and Point are the group types every primitive is built on.
type (
	Scalar = edwards25519.Scalar
	Point  = edwards25519.Point
)

// G is the canonical base point; H is an independent blinding point with
// unknown discrete log relation to G (derived by hashing G into the
// prime-order subgroup). Commitments are C = amount*H + blinding*G.
var (
	G = edwards25519.NewGeneratorPoint()
	H = hashToPoint([]byte("botho.v1.pedersen.H"), G.Bytes())
)

// hashToPoint maps arbitrary bytes onto the prime-order subgroup by
// rejection sampling candidate encodings and clearing the cofactor.
func hashToPoint(domain, data []byte) *Point {
	h, _ := blake2b.New512(nil)
	h.Write(domain)
	h.Write(data)
	seed := h.Sum(nil)
	for ctr := uint8(0); ; ctr++ {
		hh, _ := blake2b.New256(nil)
		hh.Write(seed)
		hh.Write([]byte{ctr})
		candidate := hh.Sum(nil)
		p, err := new(Point).SetBytes(candidate)
		if err != nil {
			continue
		}
		p.MultByCofactor(p)
		if p.Equal(edwards25519.NewIdentityPoint()) == 1 {
			continue
		}
		return p
	}
}

// HashToPoint exposes the subgroup mapping for key images.
func HashToPoint(domain, data []byte) *Point {
	return hashToPoint(domain, data)
}

// HashToScalar reduces a domain-separated BLAKE2b-512 digest into the
// scalar field.
func HashToScalar(domain []byte, parts ...[]byte) *Scalar {
	h, _ := blake2b.New512(nil)
	h.Write(domain)
	for _, p := range parts {
		h.Write(p)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		// 64 uniform bytes always reduce.
		panic(err)
	}
	return s
}

// RandomScalar samples a uniform nonzero scalar.
func RandomScalar() *Scalar {
	var buf [64]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(buf[:])
	if err != nil {
		panic(err)
	}
	return s
}

// ScalarFromUint64 lifts an amount into the scalar field.
func ScalarFromUint64(v uint64) *Scalar {
	var buf [32]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(buf[:])
	if err != nil {
		panic(err)
	}
	return s
}

// DecodeScalar parses a canonical 32-byte scalar; rejects non-canonical
// encodings, which is what makes challenge malleability detectable.
func DecodeScalar(b [32]byte) (*Scalar, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		return nil, types.ErrBadSignature
	}
	return s, nil
}

// DecodePoint parses a compressed point encoding.
func DecodePoint(b [32]byte) (*Point, error) {
	p, err := new(Point).SetBytes(b[:])
	if err != nil {
		return nil, types.ErrBadSignature
	}
	return p, nil
}

func scalarBytes32(s *Scalar) [32]byte {
	var out [32]byte
	copy(out[:], s.Bytes())
	return out
}

func pointBytes32(p *Point) [32]byte {
	var out [32]byte
	copy(out[:], p.Bytes())
	return out
}
