package crypto

import (
	"sync"

	"filippo.io/edwards25519"
	"github.com/pkg/errors"

	"github.com/botho-network/botho/types"
)

// Aggregated Bulletproof range proofs: every hidden amount in a set of
// commitments is proven to lie in [0, 2^64) with proof size logarithmic
// in the set size. A transaction carries exactly one proof over all of
// its output commitments; verifiers reject anything else.

const rangeBits = 64

// maxAggregation bounds the number of commitments one proof may cover.
const maxAggregation = 16

var (
	bpDomainY = []byte("botho.v1.bp.y")
	bpDomainZ = []byte("botho.v1.bp.z")
	bpDomainX = []byte("botho.v1.bp.x")
	bpDomainW = []byte("botho.v1.bp.w")
	bpDomainU = []byte("botho.v1.bp.round")

	bpU = hashToPoint([]byte("botho.v1.bp.u"), nil)

	bpGenOnce sync.Once
	bpGi      []*Point
	bpHi      []*Point
)

func bpGenerators() ([]*Point, []*Point) {
	bpGenOnce.Do(func() {
		max := rangeBits * maxAggregation
		bpGi = make([]*Point, max)
		bpHi = make([]*Point, max)
		for i := 0; i < max; i++ {
			idx := []byte{byte(i), byte(i >> 8)}
			bpGi[i] = hashToPoint([]byte("botho.v1.bp.G"), idx)
			bpHi[i] = hashToPoint([]byte("botho.v1.bp.H"), idx)
		}
	})
	return bpGi, bpHi
}

// scalar vector helpers

func vecZero(n int) []*Scalar {
	v := make([]*Scalar, n)
	for i := range v {
		v[i] = edwards25519.NewScalar()
	}
	return v
}

func vecRandom(n int) []*Scalar {
	v := make([]*Scalar, n)
	for i := range v {
		v[i] = RandomScalar()
	}
	return v
}

func vecInner(a, b []*Scalar) *Scalar {
	out := edwards25519.NewScalar()
	for i := range a {
		out.Add(out, new(Scalar).Multiply(a[i], b[i]))
	}
	return out
}

// vecPowers returns (1, x, x^2, ..., x^{n-1}).
func vecPowers(x *Scalar, n int) []*Scalar {
	v := make([]*Scalar, n)
	v[0] = ScalarFromUint64(1)
	for i := 1; i < n; i++ {
		v[i] = new(Scalar).Multiply(v[i-1], x)
	}
	return v
}

func vecSum(a []*Scalar) *Scalar {
	out := edwards25519.NewScalar()
	for i := range a {
		out.Add(out, a[i])
	}
	return out
}

func msm(scalars []*Scalar, points []*Point) *Point {
	return new(Point).VarTimeMultiScalarMult(scalars, points)
}

func nextPow2(v int) int {
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}

// ProveRange builds the aggregated proof for amounts with their
// blindings. The commitment list it proves against is Commit(amounts[j],
// blindings[j]) in order.
func ProveRange(amounts []uint64, blindings []*Scalar) (*types.RangeProof, error) {
	m := len(amounts)
	if m == 0 || m > maxAggregation || len(blindings) != m {
		return nil, errors.New("bad aggregation size")
	}
	mPad := nextPow2(m)
	vals := make([]uint64, mPad)
	gammas := make([]*Scalar, mPad)
	commits := make([]types.Commitment, mPad)
	copy(vals, amounts)
	for j := 0; j < mPad; j++ {
		if j < m {
			gammas[j] = blindings[j]
		} else {
			gammas[j] = edwards25519.NewScalar()
		}
		commits[j] = Commit(vals[j], gammas[j])
	}
	bigN := rangeBits * mPad
	gi, hi := bpGenerators()
	gi, hi = gi[:bigN], hi[:bigN]

	one := ScalarFromUint64(1)
	aL := vecZero(bigN)
	aR := make([]*Scalar, bigN)
	for j := 0; j < mPad; j++ {
		for i := 0; i < rangeBits; i++ {
			if vals[j]>>uint(i)&1 == 1 {
				aL[j*rangeBits+i] = ScalarFromUint64(1)
			}
		}
	}
	for i := range aR {
		aR[i] = new(Scalar).Subtract(aL[i], one)
	}

	alpha := RandomScalar()
	a := new(Point).ScalarBaseMult(alpha)
	a.Add(a, msm(aL, gi))
	a.Add(a, msm(aR, hi))

	sL, sR := vecRandom(bigN), vecRandom(bigN)
	rho := RandomScalar()
	s := new(Point).ScalarBaseMult(rho)
	s.Add(s, msm(sL, gi))
	s.Add(s, msm(sR, hi))

	transcript := make([][]byte, 0, mPad+2)
	for j := range commits {
		transcript = append(transcript, commits[j][:])
	}
	transcript = append(transcript, a.Bytes(), s.Bytes())
	y := HashToScalar(bpDomainY, transcript...)
	z := HashToScalar(bpDomainZ, transcript...)

	yPow := vecPowers(y, bigN)
	zSq := new(Scalar).Multiply(z, z)
	zPowJ := vecPowers(z, mPad+3)

	// l(X) = aL - z*1 + sL*X ; r(X) = y^N o (aR + z*1 + sR*X) + sum_j z^{2+j}*2^n_j
	l0 := make([]*Scalar, bigN)
	l1 := sL
	r0 := make([]*Scalar, bigN)
	r1 := make([]*Scalar, bigN)
	two := ScalarFromUint64(2)
	twoPow := vecPowers(two, rangeBits)
	for i := 0; i < bigN; i++ {
		l0[i] = new(Scalar).Subtract(aL[i], z)
		r0[i] = new(Scalar).Add(aR[i], z)
		r0[i].Multiply(r0[i], yPow[i])
		j := i / rangeBits
		zj := new(Scalar).Multiply(zSq, zPowJ[j])
		r0[i].Add(r0[i], new(Scalar).Multiply(zj, twoPow[i%rangeBits]))
		r1[i] = new(Scalar).Multiply(yPow[i], sR[i])
	}

	t1 := new(Scalar).Add(vecInner(l0, r1), vecInner(l1, r0))
	t2 := vecInner(l1, r1)

	tau1, tau2 := RandomScalar(), RandomScalar()
	bigT1 := new(Point).VarTimeDoubleScalarBaseMult(t1, H, tau1)
	bigT2 := new(Point).VarTimeDoubleScalarBaseMult(t2, H, tau2)

	x := HashToScalar(bpDomainX, y.Bytes(), z.Bytes(), bigT1.Bytes(), bigT2.Bytes())
	xSq := new(Scalar).Multiply(x, x)

	tauX := new(Scalar).Multiply(tau1, x)
	tauX.Add(tauX, new(Scalar).Multiply(tau2, xSq))
	for j := 0; j < mPad; j++ {
		zj := new(Scalar).Multiply(zSq, zPowJ[j])
		tauX.Add(tauX, new(Scalar).Multiply(zj, gammas[j]))
	}
	mu := new(Scalar).Add(alpha, new(Scalar).Multiply(rho, x))

	lVec := make([]*Scalar, bigN)
	rVec := make([]*Scalar, bigN)
	for i := 0; i < bigN; i++ {
		lVec[i] = new(Scalar).Add(l0[i], new(Scalar).Multiply(l1[i], x))
		rVec[i] = new(Scalar).Add(r0[i], new(Scalar).Multiply(r1[i], x))
	}
	t := vecInner(lVec, rVec)

	// Inner product argument over gi and hi' = y^{-i} * hi.
	w := HashToScalar(bpDomainW, x.Bytes(), tauX.Bytes(), mu.Bytes(), t.Bytes())
	wu := new(Point).ScalarMult(w, bpU)

	yInv := new(Scalar).Invert(y)
	yInvPow := vecPowers(yInv, bigN)
	hiPrime := make([]*Point, bigN)
	for i := range hiPrime {
		hiPrime[i] = new(Point).ScalarMult(yInvPow[i], hi[i])
	}
	gVec := append([]*Point(nil), gi...)
	hVec := hiPrime

	proof := &types.RangeProof{
		A:    pointBytes32(a),
		S:    pointBytes32(s),
		T1:   pointBytes32(bigT1),
		T2:   pointBytes32(bigT2),
		TauX: scalarBytes32(tauX),
		Mu:   scalarBytes32(mu),
		T:    scalarBytes32(t),
	}

	aVec, bVec := lVec, rVec
	for len(aVec) > 1 {
		half := len(aVec) / 2
		cL := vecInner(aVec[:half], bVec[half:])
		cR := vecInner(aVec[half:], bVec[:half])

		bigL := msm(aVec[:half], gVec[half:])
		bigL.Add(bigL, msm(bVec[half:], hVec[:half]))
		bigL.Add(bigL, new(Point).ScalarMult(cL, wu))
		bigR := msm(aVec[half:], gVec[:half])
		bigR.Add(bigR, msm(bVec[:half], hVec[half:]))
		bigR.Add(bigR, new(Point).ScalarMult(cR, wu))

		proof.L = append(proof.L, pointBytes32(bigL))
		proof.R = append(proof.R, pointBytes32(bigR))

		uk := HashToScalar(bpDomainU, bigL.Bytes(), bigR.Bytes())
		ukInv := new(Scalar).Invert(uk)

		nextA := make([]*Scalar, half)
		nextB := make([]*Scalar, half)
		nextG := make([]*Point, half)
		nextH := make([]*Point, half)
		for i := 0; i < half; i++ {
			nextA[i] = new(Scalar).Multiply(aVec[i], uk)
			nextA[i].Add(nextA[i], new(Scalar).Multiply(aVec[half+i], ukInv))
			nextB[i] = new(Scalar).Multiply(bVec[i], ukInv)
			nextB[i].Add(nextB[i], new(Scalar).Multiply(bVec[half+i], uk))
			nextG[i] = new(Point).ScalarMult(ukInv, gVec[i])
			nextG[i].Add(nextG[i], new(Point).ScalarMult(uk, gVec[half+i]))
			nextH[i] = new(Point).ScalarMult(uk, hVec[i])
			nextH[i].Add(nextH[i], new(Point).ScalarMult(ukInv, hVec[half+i]))
		}
		aVec, bVec, gVec, hVec = nextA, nextB, nextG, nextH
	}
	proof.TailA = scalarBytes32(aVec[0])
	proof.TailB = scalarBytes32(bVec[0])
	return proof, nil
}

// delta(y, z) = (z - z^2) <1, y^N> - sum_j z^{3+j} <1, 2^n>
func bpDelta(y, z *Scalar, mPad int) *Scalar {
	bigN := rangeBits * mPad
	yPow := vecPowers(y, bigN)
	zSq := new(Scalar).Multiply(z, z)
	out := new(Scalar).Subtract(z, zSq)
	out.Multiply(out, vecSum(yPow))
	twoN := vecSum(vecPowers(ScalarFromUint64(2), rangeBits))
	zCube := new(Scalar).Multiply(zSq, z)
	zPowJ := vecPowers(z, mPad)
	for j := 0; j < mPad; j++ {
		term := new(Scalar).Multiply(zCube, zPowJ[j])
		out.Subtract(out, new(Scalar).Multiply(term, twoN))
	}
	return out
}

// VerifyRange checks the aggregated proof against the commitment list.
func VerifyRange(proof *types.RangeProof, commitments []types.Commitment) error {
	m := len(commitments)
	if m == 0 || m > maxAggregation {
		return errors.Wrap(types.ErrBadProof, "bad aggregation size")
	}
	mPad := nextPow2(m)
	bigN := rangeBits * mPad
	rounds := 0
	for v := bigN; v > 1; v >>= 1 {
		rounds++
	}
	if len(proof.L) != rounds || len(proof.R) != rounds {
		return errors.Wrap(types.ErrBadProof, "round count disagrees with aggregation")
	}

	padded := make([]types.Commitment, mPad)
	copy(padded, commitments)
	for j := m; j < mPad; j++ {
		padded[j] = types.Commitment(pointBytes32(edwards25519.NewIdentityPoint()))
	}
	vPoints := make([]*Point, mPad)
	for j := range padded {
		p, err := DecodePoint([32]byte(padded[j]))
		if err != nil {
			return errors.Wrap(types.ErrBadProof, "commitment encoding")
		}
		vPoints[j] = p
	}

	a, err := DecodePoint(proof.A)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "A encoding")
	}
	s, err := DecodePoint(proof.S)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "S encoding")
	}
	bigT1, err := DecodePoint(proof.T1)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "T1 encoding")
	}
	bigT2, err := DecodePoint(proof.T2)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "T2 encoding")
	}
	tauX, err := DecodeScalar(proof.TauX)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "taux encoding")
	}
	mu, err := DecodeScalar(proof.Mu)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "mu encoding")
	}
	t, err := DecodeScalar(proof.T)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "t encoding")
	}
	tailA, err := DecodeScalar(proof.TailA)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "tail a encoding")
	}
	tailB, err := DecodeScalar(proof.TailB)
	if err != nil {
		return errors.Wrap(types.ErrBadProof, "tail b encoding")
	}

	transcript := make([][]byte, 0, mPad+2)
	for j := range padded {
		transcript = append(transcript, padded[j][:])
	}
	transcript = append(transcript, a.Bytes(), s.Bytes())
	y := HashToScalar(bpDomainY, transcript...)
	z := HashToScalar(bpDomainZ, transcript...)
	x := HashToScalar(bpDomainX, y.Bytes(), z.Bytes(), bigT1.Bytes(), bigT2.Bytes())
	xSq := new(Scalar).Multiply(x, x)
	zSq := new(Scalar).Multiply(z, z)
	zPowJ := vecPowers(z, mPad)

	// t*H + taux*G == sum_j z^{2+j} V_j + delta*H + x*T1 + x^2*T2
	lhs := new(Point).VarTimeDoubleScalarBaseMult(t, H, tauX)
	rhs := new(Point).ScalarMult(bpDelta(y, z, mPad), H)
	for j := 0; j < mPad; j++ {
		zj := new(Scalar).Multiply(zSq, zPowJ[j])
		rhs.Add(rhs, new(Point).ScalarMult(zj, vPoints[j]))
	}
	rhs.Add(rhs, new(Point).ScalarMult(x, bigT1))
	rhs.Add(rhs, new(Point).ScalarMult(xSq, bigT2))
	if lhs.Equal(rhs) != 1 {
		return errors.Wrap(types.ErrBadProof, "polynomial identity fails")
	}

	// Inner product argument.
	w := HashToScalar(bpDomainW, x.Bytes(), tauX.Bytes(), mu.Bytes(), t.Bytes())
	wu := new(Point).ScalarMult(w, bpU)

	gi, hi := bpGenerators()
	gi, hi = gi[:bigN], hi[:bigN]
	yInv := new(Scalar).Invert(y)
	yInvPow := vecPowers(yInv, bigN)
	yPow := vecPowers(y, bigN)
	two := ScalarFromUint64(2)
	twoPow := vecPowers(two, rangeBits)

	// P = A + x*S - mu*G + sum_i (-z) gi_i + sum_i (z y^i + z^{2+j} 2^{i mod n}) hi'_i + t*wu
	p := new(Point).Add(a, new(Point).ScalarMult(x, s))
	p.Subtract(p, new(Point).ScalarBaseMult(mu))
	negZ := new(Scalar).Negate(z)
	giScalars := make([]*Scalar, bigN)
	hiScalars := make([]*Scalar, bigN)
	hiPrime := make([]*Point, bigN)
	for i := 0; i < bigN; i++ {
		giScalars[i] = negZ
		j := i / rangeBits
		hs := new(Scalar).Multiply(z, yPow[i])
		zj := new(Scalar).Multiply(zSq, zPowJ[j])
		hs.Add(hs, new(Scalar).Multiply(zj, twoPow[i%rangeBits]))
		// fold the y^{-i} of hi' into the exponent so we can reuse hi
		hiScalars[i] = new(Scalar).Multiply(hs, yInvPow[i])
		hiPrime[i] = new(Point).ScalarMult(yInvPow[i], hi[i])
	}
	p.Add(p, msm(giScalars, gi))
	p.Add(p, msm(hiScalars, hi))
	p.Add(p, new(Point).ScalarMult(t, wu))

	gVec := append([]*Point(nil), gi...)
	hVec := hiPrime
	for k := 0; k < rounds; k++ {
		bigL, err := DecodePoint(proof.L[k])
		if err != nil {
			return errors.Wrap(types.ErrBadProof, "L encoding")
		}
		bigR, err := DecodePoint(proof.R[k])
		if err != nil {
			return errors.Wrap(types.ErrBadProof, "R encoding")
		}
		uk := HashToScalar(bpDomainU, bigL.Bytes(), bigR.Bytes())
		ukInv := new(Scalar).Invert(uk)
		ukSq := new(Scalar).Multiply(uk, uk)
		ukInvSq := new(Scalar).Multiply(ukInv, ukInv)
		p.Add(p, new(Point).ScalarMult(ukSq, bigL))
		p.Add(p, new(Point).ScalarMult(ukInvSq, bigR))

		half := len(gVec) / 2
		nextG := make([]*Point, half)
		nextH := make([]*Point, half)
		for i := 0; i < half; i++ {
			nextG[i] = new(Point).ScalarMult(ukInv, gVec[i])
			nextG[i].Add(nextG[i], new(Point).ScalarMult(uk, gVec[half+i]))
			nextH[i] = new(Point).ScalarMult(uk, hVec[i])
			nextH[i].Add(nextH[i], new(Point).ScalarMult(ukInv, hVec[half+i]))
		}
		gVec, hVec = nextG, nextH
	}

	final := new(Point).ScalarMult(tailA, gVec[0])
	final.Add(final, new(Point).ScalarMult(tailB, hVec[0]))
	ab := new(Scalar).Multiply(tailA, tailB)
	final.Add(final, new(Point).ScalarMult(ab, wu))
	if p.Equal(final) != 1 {
		return errors.Wrap(types.ErrBadProof, "inner product argument fails")
	}
	return nil
}

// RangeTask is one deferred range verification for batch checking.
type RangeTask struct {
	Proof       *types.RangeProof
	Commitments []types.Commitment
}

// VerifyRangeBatch checks a set of range proofs sharing one generator
// table, stopping at the first failure.
func VerifyRangeBatch(tasks []RangeTask) error {
	bpGenerators()
	for i := range tasks {
		if err := VerifyRange(tasks[i].Proof, tasks[i].Commitments); err != nil {
			return errors.Wrapf(err, "proof %d", i)
		}
	}
	return nil
}
