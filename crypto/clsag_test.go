package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/types"
)

// buildRing fabricates a ring with the real member at realIndex.
func buildRing(t *testing.T, n, realIndex int, amount uint64) (ring []RingMember, x, blinding *Scalar) {
	t.Helper()
	ring = make([]RingMember, n)
	for i := 0; i < n; i++ {
		if i == realIndex {
			x = RandomScalar()
			blinding = RandomScalar()
			ring[i] = RingMember{
				Key:        new(Point).ScalarBaseMult(x),
				Commitment: CommitPoint(amount, blinding),
			}
			continue
		}
		ring[i] = RingMember{
			Key:        new(Point).ScalarBaseMult(RandomScalar()),
			Commitment: CommitPoint(uint64(100+i), RandomScalar()),
		}
	}
	return ring, x, blinding
}

func signOver(t *testing.T, msg []byte, ring []RingMember, realIndex int, x, blinding *Scalar, amount uint64) (*types.RingSignature, types.KeyImage, types.Commitment) {
	t.Helper()
	pseudoBlinding := RandomScalar()
	pseudo := CommitPoint(amount, pseudoBlinding)
	z := new(Scalar).Subtract(blinding, pseudoBlinding)
	sig, image, err := SignRing(msg, ring, realIndex, x, z, pseudo)
	require.NoError(t, err)
	var pc types.Commitment
	copy(pc[:], pseudo.Bytes())
	return sig, image, pc
}

func TestRingSignRoundTrip(t *testing.T) {
	msg := []byte("spend authorization")
	for _, realIndex := range []int{0, 5, 10} {
		ring, x, blinding := buildRing(t, 11, realIndex, 500)
		sig, image, pseudo := signOver(t, msg, ring, realIndex, x, blinding, 500)
		require.NoError(t, VerifyRing(msg, ring, sig, image, pseudo))
	}
}

func TestRingSignatureRejectsWrongMessage(t *testing.T) {
	ring, x, blinding := buildRing(t, 11, 3, 500)
	sig, image, pseudo := signOver(t, []byte("real"), ring, 3, x, blinding, 500)
	err := VerifyRing([]byte("forged"), ring, sig, image, pseudo)
	assert.ErrorIs(t, err, types.ErrBadSignature)
}

func TestRingSizeShapeMismatch(t *testing.T) {
	ring, x, blinding := buildRing(t, 11, 0, 500)
	sig, image, pseudo := signOver(t, []byte("m"), ring, 0, x, blinding, 500)
	err := VerifyRing([]byte("m"), ring[:10], sig, image, pseudo)
	assert.ErrorIs(t, err, types.ErrBadSignature)
}

func TestKeyImageDeterministic(t *testing.T) {
	x := RandomScalar()
	pub := new(Point).ScalarBaseMult(x)
	img1 := KeyImageFor(x, pub)
	img2 := KeyImageFor(x, pub)
	assert.Equal(t, img1, img2)

	// Two signatures with the same secret collide on the image.
	msgA, msgB := []byte("a"), []byte("b")
	ring := make([]RingMember, 11)
	blinding := RandomScalar()
	for i := range ring {
		ring[i] = RingMember{
			Key:        new(Point).ScalarBaseMult(RandomScalar()),
			Commitment: CommitPoint(uint64(i), RandomScalar()),
		}
	}
	ring[4] = RingMember{Key: pub, Commitment: CommitPoint(500, blinding)}
	_, imgA, _ := signOver(t, msgA, ring, 4, x, blinding, 500)
	_, imgB, _ := signOver(t, msgB, ring, 4, x, blinding, 500)
	assert.Equal(t, imgA, imgB)
	assert.Equal(t, img1, imgA)
}

func TestNonCanonicalChallengeRejected(t *testing.T) {
	ring, x, blinding := buildRing(t, 11, 2, 500)
	sig, image, pseudo := signOver(t, []byte("m"), ring, 2, x, blinding, 500)
	for i := range sig.C0 {
		sig.C0[i] = 0xff // far above the group order
	}
	err := VerifyRing([]byte("m"), ring, sig, image, pseudo)
	assert.ErrorIs(t, err, types.ErrBadSignature)
}

func TestTamperedResponseRejected(t *testing.T) {
	ring, x, blinding := buildRing(t, 11, 7, 500)
	sig, image, pseudo := signOver(t, []byte("m"), ring, 7, x, blinding, 500)
	tampered := scalarBytes32(RandomScalar())
	sig.Responses[3] = tampered
	err := VerifyRing([]byte("m"), ring, sig, image, pseudo)
	assert.ErrorIs(t, err, types.ErrBadSignature)
}

func TestRingBatch(t *testing.T) {
	var tasks []RingTask
	for i := 0; i < 3; i++ {
		ring, x, blinding := buildRing(t, 11, i, 500)
		msg := []byte{byte(i)}
		sig, image, pseudo := signOver(t, msg, ring, i, x, blinding, 500)
		tasks = append(tasks, RingTask{Message: msg, Ring: ring, Sig: sig, Image: image, Pseudo: pseudo})
	}
	require.NoError(t, VerifyRingBatch(tasks))

	tasks[1].Message = []byte("wrong")
	assert.Error(t, VerifyRingBatch(tasks))
}

func TestBoundaryRingSizes(t *testing.T) {
	for _, n := range []int{types.MinRingSize, types.MaxRingSize} {
		ring, x, blinding := buildRing(t, n, n/2, 500)
		sig, image, pseudo := signOver(t, []byte("m"), ring, n/2, x, blinding, 500)
		require.NoError(t, VerifyRing([]byte("m"), ring, sig, image, pseudo))
	}
}
