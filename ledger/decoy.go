package ledger

import (
	"math"
	"math/rand"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/botho-network/botho/storage"
	"github.com/botho-network/botho/types"
)

// Decoy selection. Candidates come from the similarity index (outputs
// sharing cluster tags with the real spend, Jaccard >= the protocol
// floor) and are weighted by a gamma distribution over output age that
// matches the measured spend-age curve.

const (
	// Gamma parameters over ln(age in seconds), from the measured
	// spend-age distribution.
	gammaShape = 19.28
	gammaRate  = 1.61

	// Postings scanned per tag before switching to strided sampling.
	postingsScanCap = 4096

	secondsPerBlock = 2
)

// sampleGamma draws from Gamma(shape, 1/rate) via Marsaglia-Tsang.
func sampleGamma(rng *rand.Rand) float64 {
	d := gammaShape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x || math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v / gammaRate
		}
	}
}

// jaccard computes set similarity over tag vectors. Two untagged
// outputs are fully similar; untagged never matches tagged.
func jaccard(a, b []uint32) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	set := make(map[uint32]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[uint32]struct{}, len(b))
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

type decoyCandidate struct {
	idx    types.OutputIndex
	height uint64
}

// collectPostings walks all of one tag's postings. The first
// postingsScanCap are kept; past that only every 7th scanned posting is
// kept, so a popular tag yields a sampled subset. The iteration itself
// is not bounded: every posting of the tag is still visited.
func collectPostings(txn *badger.Txn, tag uint32, into map[types.OutputIndex]struct{}) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = storage.SimilarityPrefix(tag)
	it := txn.NewIterator(opts)
	defer it.Close()

	scanned := 0
	stride := 1
	for it.Rewind(); it.Valid(); it.Next() {
		scanned++
		if scanned > postingsScanCap {
			stride = 7
		}
		if stride > 1 && scanned%stride != 0 {
			continue
		}
		idx, err := storage.OutputIndexFromSimilarityKey(it.Item().KeyCopy(nil))
		if err != nil {
			return err
		}
		into[idx] = struct{}{}
	}
	return nil
}

// SampleDecoys returns ringSize-1 decoy indexes for the real output.
// The real index is always excluded. Fails InsufficientDecoys when the
// similarity-constrained pool is too small; consensus must never
// externalize a block whose transactions outrun the decoy supply.
func (s *Store) SampleDecoys(real types.OutputIndex, ringSize int, rng *rand.Rand) ([]types.OutputIndex, error) {
	if ringSize < types.MinRingSize || ringSize > types.MaxRingSize {
		return nil, errors.Wrapf(types.ErrMalformed, "ring size %d", ringSize)
	}
	view := s.Snapshot()
	defer view.Close()

	realRec, err := view.Output(real)
	if err != nil {
		return nil, err
	}
	tags := realRec.Output.ClusterTags

	candidates := make(map[types.OutputIndex]struct{})
	err = func() error {
		if len(tags) == 0 {
			return collectPostings(view.txn, untaggedTag, candidates)
		}
		for _, tag := range tags {
			if err := collectPostings(view.txn, tag, candidates); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return nil, err
	}
	delete(candidates, real)

	pool := make([]decoyCandidate, 0, len(candidates))
	for idx := range candidates {
		rec, err := view.Output(idx)
		if err != nil {
			return nil, err
		}
		if jaccard(tags, rec.Output.ClusterTags) < types.SimilarityFloor {
			continue
		}
		pool = append(pool, decoyCandidate{idx: idx, height: rec.Height})
	}
	need := ringSize - 1
	if len(pool) < need {
		return nil, errors.Wrapf(types.ErrInsufficientDecoys, "%d candidates for ring size %d", len(pool), ringSize)
	}

	// Newest first so an age offset maps to a pool position.
	sort.Slice(pool, func(i, j int) bool { return pool[i].height > pool[j].height })

	tip := view.tipHeight
	chosen := make(map[types.OutputIndex]struct{}, need)
	out := make([]types.OutputIndex, 0, need)
	attempts := 0
	for len(out) < need && attempts < need*16 {
		attempts++
		lnAge := sampleGamma(rng)
		ageBlocks := uint64(math.Exp(lnAge) / secondsPerBlock)
		var target uint64
		if ageBlocks < tip {
			target = tip - ageBlocks
		}
		pos := sort.Search(len(pool), func(i int) bool { return pool[i].height <= target })
		if pos == len(pool) {
			pos = len(pool) - 1
		}
		c := pool[pos]
		if _, dup := chosen[c.idx]; dup {
			continue
		}
		chosen[c.idx] = struct{}{}
		out = append(out, c.idx)
	}
	// Gamma sampling kept landing on already-chosen candidates; fill
	// the remainder uniformly.
	for len(out) < need {
		c := pool[rng.Intn(len(pool))]
		if _, dup := chosen[c.idx]; dup {
			continue
		}
		chosen[c.idx] = struct{}{}
		out = append(out, c.idx)
	}
	return out, nil
}
