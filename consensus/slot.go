package consensus

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/botho-network/botho/types"
)

// Phase of a slot's state machine.
type Phase uint8

const (
	PhaseNominate Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseExternalized
)

func (p Phase) String() string {
	switch p {
	case PhaseNominate:
		return "nominate"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseExternalized:
		return "externalized"
	}
	return "unknown"
}

// Slot holds all consensus state for one height. Slots share nothing;
// the engine owns them and feeds them messages one at a time.
type Slot struct {
	index uint64
	eng   *Engine
	eval  *QuorumEval

	phase Phase
	round int

	// Nomination.
	nomVoted    map[types.Hash]bool
	nomAccepted map[types.Hash]bool
	candidates  map[types.Hash]bool
	nomStmts    map[types.PublicKey]*types.Statement

	// Ballot protocol. cLow/cHigh are the vote range for commit while
	// preparing and the accepted range once committing.
	ballot        types.Ballot
	prepared      types.Ballot
	preparedPrime types.Ballot
	cLow, cHigh   uint32
	ballotStmts   map[types.PublicKey]*types.Statement

	// Commit attestations collected for the block's consensus proof.
	attestations map[types.PublicKey]types.Signature

	ignored map[types.PublicKey]bool

	externalized bool
	value        types.Hash
	proof        []types.ValidatorSignature
	finalAtSlot  uint64 // not assigned; the rebroadcast TTL window is measured from index
}

func newSlot(index uint64, eng *Engine) *Slot {
	return &Slot{
		index:        index,
		eng:          eng,
		eval:         NewQuorumEval(eng.cfg.Self, eng.qsetFor),
		nomVoted:     make(map[types.Hash]bool),
		nomAccepted:  make(map[types.Hash]bool),
		candidates:   make(map[types.Hash]bool),
		nomStmts:     make(map[types.PublicKey]*types.Statement),
		ballotStmts:  make(map[types.PublicKey]*types.Statement),
		attestations: make(map[types.PublicKey]types.Signature),
		ignored:      make(map[types.PublicKey]bool),
	}
}

func (s *Slot) log() *logrus.Entry {
	return log.WithFields(logrus.Fields{"slot": s.index, "phase": s.phase.String()})
}

// start kicks off nomination: the round leader proposes, everyone arms
// the round timeout.
func (s *Slot) start() {
	s.maybeProposeAsLeader()
	s.eng.armTimer(s.index, uint32(s.round), timerNomination)
}

func (s *Slot) maybeProposeAsLeader() {
	if s.eng.leader(s.index, s.round) != s.eng.cfg.Self {
		return
	}
	value, ok := s.eng.cb.ProposeValue(s.index)
	if !ok {
		return
	}
	s.voteNominate(value)
}

// onNominationTimeout bumps the round; after a timeout any validator
// may nominate, not only the leader.
func (s *Slot) onNominationTimeout(round uint32) {
	if s.phase != PhaseNominate || uint32(s.round) != round {
		return // stale timer, lazily cancelled
	}
	s.round++
	s.log().WithField("round", s.round).Debug("nomination round timeout")
	if s.round%16 == 0 {
		// Progress halts safely rather than forging: keep emitting,
		// keep waiting, surface the condition.
		s.log().WithField("round", s.round).WithError(types.ErrQuorumUnreachable).
			Warn("no quorum after many rounds")
	}
	if value, ok := s.eng.cb.ProposeValue(s.index); ok {
		s.voteNominate(value)
	}
	s.maybeProposeAsLeader()
	s.eng.armTimer(s.index, uint32(s.round), timerNomination)
}

func (s *Slot) voteNominate(value types.Hash) {
	if s.phase != PhaseNominate || s.nomVoted[value] {
		return
	}
	if !s.eng.cb.ValidateValue(s.index, value) {
		return
	}
	s.nomVoted[value] = true
	s.emitNominate()
	s.advanceNomination()
}

func (s *Slot) emitNominate() {
	st := &types.Statement{
		Kind: types.MsgNominate,
		Slot: s.index,
	}
	for v := range s.nomVoted {
		st.Voted = append(st.Voted, v)
	}
	for v := range s.nomAccepted {
		st.Accepted = append(st.Accepted, v)
	}
	sortHashes(st.Voted)
	sortHashes(st.Accepted)
	s.eng.sign(st)
	s.nomStmts[s.eng.cfg.Self] = st
	s.eng.cb.Broadcast(st)
}

func sortHashes(hs []types.Hash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Less(hs[j]) })
}

func hashIn(hs []types.Hash, h types.Hash) bool {
	for i := range hs {
		if hs[i] == h {
			return true
		}
	}
	return false
}

// handle processes one de-duplicated, signature-checked statement.
func (s *Slot) handle(st *types.Statement) {
	if s.ignored[st.Sender] {
		return
	}
	if s.detectEquivocation(st) {
		s.log().WithField("sender", st.Sender).Warn("equivocation, sender ignored for slot")
		s.ignored[st.Sender] = true
		delete(s.nomStmts, st.Sender)
		delete(s.ballotStmts, st.Sender)
		return
	}
	switch st.Kind {
	case types.MsgNominate:
		s.nomStmts[st.Sender] = st
		s.advanceNomination()
	case types.MsgPrepare, types.MsgCommit:
		s.ballotStmts[st.Sender] = st
		s.collectAttestations(st)
		s.advanceBallot()
	case types.MsgExternalize:
		s.ballotStmts[st.Sender] = st
		s.collectAttestations(st)
		s.maybeAdoptExternalize(st)
		s.advanceBallot()
	}
}

// detectEquivocation flags a sender whose new statement conflicts with
// a stored one: a nomination retracting earlier votes, or a ballot
// statement at the same counter with a different value.
func (s *Slot) detectEquivocation(st *types.Statement) bool {
	if st.Kind == types.MsgNominate {
		prev, ok := s.nomStmts[st.Sender]
		if !ok {
			return false
		}
		for _, v := range prev.Voted {
			if !hashIn(st.Voted, v) {
				return true
			}
		}
		for _, v := range prev.Accepted {
			if !hashIn(st.Accepted, v) {
				return true
			}
		}
		return false
	}
	prev, ok := s.ballotStmts[st.Sender]
	if !ok || prev.Kind == types.MsgNominate {
		return false
	}
	if prev.Kind == types.MsgExternalize && st.Kind == types.MsgExternalize &&
		prev.Ballot.Value != st.Ballot.Value {
		return true
	}
	if prev.Kind == st.Kind && prev.Ballot.Counter == st.Ballot.Counter &&
		prev.Ballot.Value != st.Ballot.Value {
		return true
	}
	return false
}

// Nomination

func (s *Slot) knownNominationValues() []types.Hash {
	set := make(map[types.Hash]bool)
	for v := range s.nomVoted {
		set[v] = true
	}
	for v := range s.nomAccepted {
		set[v] = true
	}
	for _, st := range s.nomStmts {
		for _, v := range st.Voted {
			set[v] = true
		}
		for _, v := range st.Accepted {
			set[v] = true
		}
	}
	out := make([]types.Hash, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sortHashes(out)
	return out
}

func (s *Slot) advanceNomination() {
	if s.phase != PhaseNominate {
		return
	}
	changed := false

	// Follow the current round leader: echo its nomination votes for
	// values this node can vouch for. Without the echo no quorum of
	// votes ever forms around the leader's proposal.
	if leader := s.eng.leader(s.index, s.round); leader != s.eng.cfg.Self {
		if st := s.nomStmts[leader]; st != nil {
			for _, v := range st.Voted {
				if !s.nomVoted[v] && s.eng.cb.ValidateValue(s.index, v) {
					s.nomVoted[v] = true
					changed = true
				}
			}
		}
	}

	for _, v := range s.knownNominationValues() {
		votedOrAccepted := make(NodeSet)
		accepted := make(NodeSet)
		for sender, st := range s.nomStmts {
			if hashIn(st.Voted, v) || hashIn(st.Accepted, v) {
				votedOrAccepted[sender] = true
			}
			if hashIn(st.Accepted, v) {
				accepted[sender] = true
			}
		}
		if s.nomVoted[v] || s.nomAccepted[v] {
			votedOrAccepted[s.eng.cfg.Self] = true
		}
		if s.nomAccepted[v] {
			accepted[s.eng.cfg.Self] = true
		}
		if !s.nomAccepted[v] {
			// Accept when a quorum voted-or-accepted, or a v-blocking
			// set accepted.
			if s.eval.HasQuorum(votedOrAccepted) || s.eval.IsVBlocking(accepted) {
				s.nomAccepted[v] = true
				changed = true
			}
		}
		if s.nomAccepted[v] && !s.candidates[v] {
			accepted[s.eng.cfg.Self] = true
			if s.eval.HasQuorum(accepted) {
				s.candidates[v] = true
				changed = true
			}
		}
	}
	if changed {
		s.emitNominate()
		s.maybeSeedBallot()
	}
}

// maybeSeedBallot moves to the ballot protocol on the first confirmed
// nomination. Simultaneous confirmations break toward the lower hash.
func (s *Slot) maybeSeedBallot() {
	if s.phase != PhaseNominate || len(s.candidates) == 0 {
		return
	}
	var best types.Hash
	first := true
	for v := range s.candidates {
		if first || v.Less(best) {
			best = v
			first = false
		}
	}
	s.phase = PhasePrepare
	s.ballot = types.Ballot{Counter: 1, Value: best}
	s.log().WithField("value", best).Info("nomination confirmed, ballot seeded")
	s.emitBallotStatement()
	s.eng.armTimer(s.index, s.ballot.Counter, timerBallot)
	s.advanceBallot()
}

// Ballot protocol

func (s *Slot) emitBallotStatement() {
	st := &types.Statement{
		Slot:          s.index,
		Ballot:        s.ballot,
		Prepared:      s.prepared,
		PreparedPrime: s.preparedPrime,
		CLow:          s.cLow,
		CHigh:         s.cHigh,
	}
	switch s.phase {
	case PhasePrepare:
		st.Kind = types.MsgPrepare
	case PhaseCommit:
		st.Kind = types.MsgCommit
		st.CommitQuorum = []types.ValidatorSignature{s.eng.attest(s.index, s.ballot.Value)}
	case PhaseExternalized:
		st.Kind = types.MsgExternalize
		st.CommitQuorum = s.proof
	default:
		return
	}
	s.eng.sign(st)
	s.ballotStmts[s.eng.cfg.Self] = st
	s.collectAttestations(st)
	s.eng.cb.Broadcast(st)
}

// onBallotTimeout bumps the ballot counter. Timeouts never regress the
// phase.
func (s *Slot) onBallotTimeout(counter uint32) {
	if s.phase != PhasePrepare && s.phase != PhaseCommit {
		return
	}
	if s.ballot.Counter != counter {
		return // stale timer
	}
	s.bumpBallot(s.ballot.Counter + 1)
}

func (s *Slot) bumpBallot(counter uint32) {
	if counter <= s.ballot.Counter {
		return
	}
	// Keep the confirmed-prepared value if any, else the current one.
	value := s.ballot.Value
	if !s.prepared.IsZero() {
		value = s.prepared.Value
	}
	s.ballot = types.Ballot{Counter: counter, Value: value}
	s.log().WithFields(logrus.Fields{"counter": counter, "value": value}).Debug("ballot bumped")
	s.emitBallotStatement()
	s.eng.armTimer(s.index, s.ballot.Counter, timerBallot)
	s.advanceBallot()
}

// votesPrepare reports whether a statement is a vote to prepare b.
func votesPrepare(st *types.Statement, b types.Ballot) bool {
	switch st.Kind {
	case types.MsgPrepare:
		return st.Ballot.Value == b.Value && st.Ballot.Counter >= b.Counter
	case types.MsgCommit, types.MsgExternalize:
		return st.Ballot.Value == b.Value
	}
	return false
}

// acceptsPrepare reports whether a statement claims b accepted
// prepared.
func acceptsPrepare(st *types.Statement, b types.Ballot) bool {
	switch st.Kind {
	case types.MsgPrepare:
		if st.Prepared.Value == b.Value && st.Prepared.Counter >= b.Counter {
			return true
		}
		return st.PreparedPrime.Value == b.Value && st.PreparedPrime.Counter >= b.Counter
	case types.MsgCommit:
		return st.Ballot.Value == b.Value && st.Prepared.Counter >= b.Counter
	case types.MsgExternalize:
		return st.Ballot.Value == b.Value
	}
	return false
}

// votesCommit reports whether a statement votes to commit value at
// counter n.
func votesCommit(st *types.Statement, value types.Hash, n uint32) bool {
	switch st.Kind {
	case types.MsgPrepare:
		return st.Ballot.Value == value && st.CLow > 0 && st.CLow <= n && n <= st.CHigh
	case types.MsgCommit:
		// A committing node votes commit for every counter >= its low.
		return st.Ballot.Value == value && st.CLow <= n
	case types.MsgExternalize:
		return st.Ballot.Value == value
	}
	return false
}

// acceptsCommit reports whether a statement claims commit accepted at
// counter n.
func acceptsCommit(st *types.Statement, value types.Hash, n uint32) bool {
	switch st.Kind {
	case types.MsgCommit:
		return st.Ballot.Value == value && st.CLow <= n && n <= st.CHigh
	case types.MsgExternalize:
		return st.Ballot.Value == value && st.CLow <= n
	}
	return false
}

func (s *Slot) candidateBallots() []types.Ballot {
	set := make(map[types.Ballot]bool)
	set[s.ballot] = true
	for _, st := range s.ballotStmts {
		set[st.Ballot] = true
		if !st.Prepared.IsZero() {
			set[st.Prepared] = true
		}
		if !st.PreparedPrime.IsZero() {
			set[st.PreparedPrime] = true
		}
	}
	out := make([]types.Ballot, 0, len(set))
	for b := range set {
		if !b.IsZero() {
			out = append(out, b)
		}
	}
	// Highest first so the strongest prepare lands first.
	sort.Slice(out, func(i, j int) bool { return out[j].Less(out[i]) })
	return out
}

func (s *Slot) advanceBallot() {
	if s.phase != PhasePrepare && s.phase != PhaseCommit {
		return
	}
	s.maybeBumpFromBlocking()
	s.updatePrepared()
	s.maybeConfirmPrepared()
	s.updateCommit()
	s.maybeExternalize()
}

// maybeBumpFromBlocking bumps the counter when a v-blocking set is
// already past it, adopting the lowest counter above ours.
func (s *Slot) maybeBumpFromBlocking() {
	counters := make(map[uint32]NodeSet)
	for sender, st := range s.ballotStmts {
		if sender == s.eng.cfg.Self || st.Kind == types.MsgExternalize {
			continue
		}
		if st.Ballot.Counter > s.ballot.Counter {
			if counters[st.Ballot.Counter] == nil {
				counters[st.Ballot.Counter] = make(NodeSet)
			}
			counters[st.Ballot.Counter][sender] = true
		}
	}
	if len(counters) == 0 {
		return
	}
	// The set of nodes at counter >= n blocks us for the lowest such n.
	all := make([]uint32, 0, len(counters))
	for c := range counters {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	cumulative := make(NodeSet)
	for i := len(all) - 1; i >= 0; i-- {
		for sender := range counters[all[i]] {
			cumulative[sender] = true
		}
	}
	if !s.eval.IsVBlocking(cumulative) {
		return
	}
	s.bumpBallot(all[0])
}

func (s *Slot) updatePrepared() {
	for _, b := range s.candidateBallots() {
		if !s.prepared.IsZero() && !s.prepared.Less(b) {
			break // already at or past the strongest candidate
		}
		votedOrAccepted := make(NodeSet)
		accepted := make(NodeSet)
		for sender, st := range s.ballotStmts {
			if votesPrepare(st, b) || acceptsPrepare(st, b) {
				votedOrAccepted[sender] = true
			}
			if acceptsPrepare(st, b) {
				accepted[sender] = true
			}
		}
		if s.eval.HasQuorum(votedOrAccepted) || s.eval.IsVBlocking(accepted) {
			s.acceptPrepared(b)
			break
		}
	}
}

func (s *Slot) acceptPrepared(b types.Ballot) {
	if s.prepared.IsZero() || s.prepared.Less(b) {
		if !s.prepared.IsZero() && !s.prepared.Compatible(b) {
			s.preparedPrime = s.prepared
		}
		s.prepared = b
		s.log().WithFields(logrus.Fields{"counter": b.Counter, "value": b.Value}).Debug("accepted prepared")
		s.emitBallotStatement()
	}
}

func (s *Slot) maybeConfirmPrepared() {
	if s.phase != PhasePrepare || s.prepared.IsZero() {
		return
	}
	accepted := make(NodeSet)
	for sender, st := range s.ballotStmts {
		if acceptsPrepare(st, s.prepared) {
			accepted[sender] = true
		}
	}
	accepted[s.eng.cfg.Self] = true
	if !s.eval.HasQuorum(accepted) {
		return
	}
	// Confirmed prepared: adopt the value, open the commit vote range
	// and move to the commit phase.
	if s.ballot.Value != s.prepared.Value {
		s.ballot.Value = s.prepared.Value
	}
	if s.ballot.Counter < s.prepared.Counter {
		s.ballot.Counter = s.prepared.Counter
	}
	s.cLow = s.ballot.Counter
	s.cHigh = s.prepared.Counter
	if s.cHigh < s.cLow {
		s.cHigh = s.cLow
	}
	s.phase = PhaseCommit
	s.log().WithFields(logrus.Fields{"counter": s.ballot.Counter, "value": s.ballot.Value}).Info("confirmed prepared, committing")
	s.emitBallotStatement()
	s.eng.armTimer(s.index, s.ballot.Counter, timerBallot)
}

func (s *Slot) updateCommit() {
	if s.phase != PhaseCommit {
		return
	}
	n := s.ballot.Counter
	votedOrAccepted := make(NodeSet)
	accepted := make(NodeSet)
	for sender, st := range s.ballotStmts {
		if votesCommit(st, s.ballot.Value, n) || acceptsCommit(st, s.ballot.Value, n) {
			votedOrAccepted[sender] = true
		}
		if acceptsCommit(st, s.ballot.Value, n) {
			accepted[sender] = true
		}
	}
	if s.eval.HasQuorum(votedOrAccepted) || s.eval.IsVBlocking(accepted) {
		if s.cLow > n || s.cHigh < n {
			if s.cLow > n || s.cLow == 0 {
				s.cLow = n
			}
			if s.cHigh < n {
				s.cHigh = n
			}
			s.log().WithField("counter", n).Debug("accepted committed")
			s.emitBallotStatement()
		}
	}
}

func (s *Slot) maybeExternalize() {
	if s.phase != PhaseCommit {
		return
	}
	n := s.ballot.Counter
	accepted := make(NodeSet)
	for sender, st := range s.ballotStmts {
		if acceptsCommit(st, s.ballot.Value, n) {
			accepted[sender] = true
		}
	}
	accepted[s.eng.cfg.Self] = true
	if !s.eval.HasQuorum(accepted) {
		return
	}
	s.finish(s.ballot.Value, s.buildProof())
}

// buildProof assembles the quorum of commit attestations for the block.
func (s *Slot) buildProof() []types.ValidatorSignature {
	own := s.eng.attest(s.index, s.ballot.Value)
	s.attestations[own.Validator] = own.Signature
	proof := make([]types.ValidatorSignature, 0, len(s.attestations))
	for v, sig := range s.attestations {
		proof = append(proof, types.ValidatorSignature{Validator: v, Signature: sig})
	}
	sort.Slice(proof, func(i, j int) bool {
		return types.Hash(proof[i].Validator).Less(types.Hash(proof[j].Validator))
	})
	return proof
}

func (s *Slot) collectAttestations(st *types.Statement) {
	value := st.Ballot.Value
	for _, att := range st.CommitQuorum {
		if _, ok := s.attestations[att.Validator]; ok {
			continue
		}
		if !s.eng.inRoster(att.Validator) {
			continue
		}
		if VerifyAttestation(s.eng.cfg.NetworkID, s.index, value, att) {
			s.attestations[att.Validator] = att.Signature
		}
	}
}

// maybeAdoptExternalize lets a laggard adopt a finished slot when the
// carried attestation quorum checks out, without replaying ballots.
func (s *Slot) maybeAdoptExternalize(st *types.Statement) {
	if s.externalized {
		return
	}
	attesters := make(NodeSet)
	for _, att := range st.CommitQuorum {
		if VerifyAttestation(s.eng.cfg.NetworkID, s.index, st.Ballot.Value, att) && s.eng.inRoster(att.Validator) {
			attesters[att.Validator] = true
		}
	}
	// The carried proof must stand on its own; our vote is immaterial.
	if !s.eval.ContainsQuorum(attesters) {
		return
	}
	s.ballot.Value = st.Ballot.Value
	s.finish(st.Ballot.Value, st.CommitQuorum)
}

func (s *Slot) finish(value types.Hash, proof []types.ValidatorSignature) {
	if s.externalized {
		return
	}
	s.externalized = true
	s.value = value
	s.proof = proof
	s.phase = PhaseExternalized
	if s.cLow == 0 {
		s.cLow = s.ballot.Counter
	}
	s.cHigh = s.ballot.Counter
	s.log().WithField("value", value).Info("externalized")
	s.emitBallotStatement()
	s.eng.slotExternalized(s)
}
