package ledger

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b []uint32
		want float64
	}{
		{nil, nil, 1.0},
		{[]uint32{1}, nil, 0.0},
		{[]uint32{1, 2}, []uint32{1, 2}, 1.0},
		{[]uint32{1, 2}, []uint32{2, 3}, 1.0 / 3.0},
		{[]uint32{1, 2, 3, 4}, []uint32{1, 2, 3}, 3.0 / 4.0},
		{[]uint32{1, 1, 2}, []uint32{1, 2, 2}, 1.0}, // duplicates collapse
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, jaccard(c.a, c.b), 1e-9, "jaccard(%v, %v)", c.a, c.b)
	}
}

func TestSimilarityFloorBoundary(t *testing.T) {
	// 7 of 10 shared tags sits exactly at the floor.
	a := []uint32{1, 2, 3, 4, 5, 6, 7}
	b := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.InDelta(t, 0.7, jaccard(a, b), 1e-9)
}

func TestSampleGammaPositive(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		v := sampleGamma(rng)
		assert.Greater(t, v, 0.0)
	}
}
