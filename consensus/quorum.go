package consensus

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/botho-network/botho/types"
)

// QuorumSet is a recursive threshold structure: at least Threshold of
// the listed validators and inner sets must vouch. Nested sets may be
// shared between parents, so the structure is a DAG; identity is the
// hash of the canonical encoding and evaluation memoizes on
// (set id, candidate fingerprint).
type QuorumSet struct {
	Threshold  int               `yaml:"threshold"`
	Validators []types.PublicKey `yaml:"validators"`
	Inner      []*QuorumSet      `yaml:"inner"`
}

// Validate checks thresholds recursively.
func (q *QuorumSet) Validate() error {
	total := len(q.Validators) + len(q.Inner)
	if total == 0 {
		return errors.Wrap(types.ErrMalformed, "empty quorum set")
	}
	if q.Threshold < 1 || q.Threshold > total {
		return errors.Wrapf(types.ErrMalformed, "threshold %d of %d entries", q.Threshold, total)
	}
	for _, inner := range q.Inner {
		if err := inner.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ID is the content-addressed identifier of the set. Order-insensitive
// over entries, so structurally equal sets share an identity.
func (q *QuorumSet) ID() types.Hash {
	h, _ := blake2b.New256(nil)
	var t [8]byte
	t[0] = byte(q.Threshold)
	t[1] = byte(q.Threshold >> 8)
	h.Write(t[:2])
	keys := make([][32]byte, len(q.Validators))
	for i, v := range q.Validators {
		keys[i] = [32]byte(v)
	}
	sort.Slice(keys, func(i, j int) bool {
		return types.Hash(keys[i]).Less(types.Hash(keys[j]))
	})
	for i := range keys {
		h.Write(keys[i][:])
	}
	innerIDs := make([]types.Hash, len(q.Inner))
	for i, inner := range q.Inner {
		innerIDs[i] = inner.ID()
	}
	sort.Slice(innerIDs, func(i, j int) bool { return innerIDs[i].Less(innerIDs[j]) })
	for i := range innerIDs {
		h.Write(innerIDs[i][:])
	}
	var id types.Hash
	copy(id[:], h.Sum(nil))
	return id
}

// NodeSet is a set of validators under evaluation.
type NodeSet map[types.PublicKey]bool

func (s NodeSet) fingerprint() types.Hash {
	keys := make([][32]byte, 0, len(s))
	for k, ok := range s {
		if ok {
			keys = append(keys, [32]byte(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return types.Hash(keys[i]).Less(types.Hash(keys[j]))
	})
	h, _ := blake2b.New256(nil)
	for i := range keys {
		h.Write(keys[i][:])
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// evalCache memoizes slice evaluations for one slot.
type evalCache struct {
	memo map[[64]byte]bool
}

func newEvalCache() *evalCache {
	return &evalCache{memo: make(map[[64]byte]bool)}
}

func cacheKey(id, fp types.Hash) [64]byte {
	var k [64]byte
	copy(k[:32], id[:])
	copy(k[32:], fp[:])
	return k
}

// satisfiedBy reports whether the candidate set contains a slice of q:
// at least Threshold entries vouch, recursively.
func (c *evalCache) satisfiedBy(q *QuorumSet, set NodeSet, fp types.Hash) bool {
	key := cacheKey(q.ID(), fp)
	if v, ok := c.memo[key]; ok {
		return v
	}
	hits := 0
	for _, v := range q.Validators {
		if set[v] {
			hits++
		}
	}
	for _, inner := range q.Inner {
		if c.satisfiedBy(inner, set, fp) {
			hits++
		}
	}
	out := hits >= q.Threshold
	c.memo[key] = out
	return out
}

// blockedBy reports whether B intersects every slice of q: more than
// (entries - threshold) entries are blocked, so no slice avoids B.
func (c *evalCache) blockedBy(q *QuorumSet, blocking NodeSet, fp types.Hash) bool {
	key := cacheKey(q.ID(), fp)
	key[63] ^= 0xff // separate namespace from satisfiedBy
	if v, ok := c.memo[key]; ok {
		return v
	}
	hits := 0
	for _, v := range q.Validators {
		if blocking[v] {
			hits++
		}
	}
	for _, inner := range q.Inner {
		if c.blockedBy(inner, blocking, fp) {
			hits++
		}
	}
	out := hits > len(q.Validators)+len(q.Inner)-q.Threshold
	c.memo[key] = out
	return out
}

// QuorumEval answers the two federated-agreement questions for one
// slot, memoizing across the flood of incoming messages.
type QuorumEval struct {
	self    types.PublicKey
	qsetFor func(types.PublicKey) *QuorumSet
	cache   *evalCache
}

func NewQuorumEval(self types.PublicKey, qsetFor func(types.PublicKey) *QuorumSet) *QuorumEval {
	return &QuorumEval{self: self, qsetFor: qsetFor, cache: newEvalCache()}
}

// IsVBlocking reports whether the set intersects every slice of self's
// quorum set.
func (e *QuorumEval) IsVBlocking(set NodeSet) bool {
	q := e.qsetFor(e.self)
	if q == nil {
		return false
	}
	return e.cache.blockedBy(q, set, set.fingerprint())
}

// HasQuorum reports whether the voters contain a quorum including
// self: a subset closed under every member's quorum set.
func (e *QuorumEval) HasQuorum(voters NodeSet) bool {
	if !voters[e.self] {
		return false
	}
	return e.largestClosedSubset(voters)[e.self]
}

// ContainsQuorum reports whether any quorum exists inside the set,
// regardless of self. Used to judge commit proofs built by others.
func (e *QuorumEval) ContainsQuorum(voters NodeSet) bool {
	return len(e.largestClosedSubset(voters)) > 0
}

// largestClosedSubset runs the standard fixpoint: peel nodes whose
// slice is not inside the shrinking set until stable.
func (e *QuorumEval) largestClosedSubset(voters NodeSet) NodeSet {
	current := make(NodeSet, len(voters))
	for k, ok := range voters {
		if ok {
			current[k] = true
		}
	}
	for {
		fp := current.fingerprint()
		var drop []types.PublicKey
		for v := range current {
			q := e.qsetFor(v)
			if q == nil || !e.cache.satisfiedBy(q, current, fp) {
				drop = append(drop, v)
			}
		}
		if len(drop) == 0 {
			return current
		}
		for _, v := range drop {
			delete(current, v)
		}
		if len(current) == 0 {
			return current
		}
	}
}
