package types

import (
	"crypto/ed25519"

	"golang.org/x/crypto/blake2b"
)

// Wire message kinds. Peer frames are a kind byte followed by the
// message's canonical encoding; streams add a little-endian length
// prefix (see the p2p package).
type MsgKind uint8

const (
	MsgTx MsgKind = iota + 1
	MsgNominate
	MsgPrepare
	MsgCommit
	MsgExternalize
	MsgGetBlocks
	MsgBlocks
)

func (k MsgKind) String() string {
	switch k {
	case MsgTx:
		return "tx"
	case MsgNominate:
		return "nominate"
	case MsgPrepare:
		return "prepare"
	case MsgCommit:
		return "commit"
	case MsgExternalize:
		return "externalize"
	case MsgGetBlocks:
		return "getblocks"
	case MsgBlocks:
		return "blocks"
	}
	return "unknown"
}

// Ballot is a (counter, value) pair. Ballots are totally ordered by
// counter, then by value hash bytes.
type Ballot struct {
	Counter uint32
	Value   Hash
}

func (b Ballot) IsZero() bool {
	return b.Counter == 0 && b.Value.IsZero()
}

func (b Ballot) Less(o Ballot) bool {
	if b.Counter != o.Counter {
		return b.Counter < o.Counter
	}
	return b.Value.Less(o.Value)
}

// Compatible reports whether two ballots carry the same value.
func (b Ballot) Compatible(o Ballot) bool {
	return b.Value == o.Value
}

// Statement is one consensus message. A single frame carries all four
// protocol phases; the kind selects which fields are meaningful.
// Nomination uses Voted/Accepted; Prepare uses Ballot, Prepared,
// PreparedPrime, CLow, CHigh; Commit uses Ballot, Prepared (counter),
// CLow, CHigh; Externalize uses Ballot (the externalized value) and
// CommitQuorum.
type Statement struct {
	Kind      MsgKind
	NetworkID Hash
	Slot      uint64
	Sender    PublicKey

	Voted    []Hash
	Accepted []Hash

	Ballot        Ballot
	Prepared      Ballot
	PreparedPrime Ballot
	CLow          uint32
	CHigh         uint32

	CommitQuorum []ValidatorSignature

	Signature Signature
}

func encodeBallot(w *writer, b Ballot) {
	w.u32(b.Counter)
	w.raw(b.Value[:])
}

func decodeBallot(r *reader) Ballot {
	var b Ballot
	b.Counter = r.u32("ballot counter")
	r.arr32((*[32]byte)(&b.Value), "ballot value")
	return b
}

func (s *Statement) encodeBody(w *writer) {
	w.u8(uint8(s.Kind))
	w.raw(s.NetworkID[:])
	w.u64(s.Slot)
	w.raw(s.Sender[:])
	w.uvarint(uint64(len(s.Voted)))
	for i := range s.Voted {
		w.raw(s.Voted[i][:])
	}
	w.uvarint(uint64(len(s.Accepted)))
	for i := range s.Accepted {
		w.raw(s.Accepted[i][:])
	}
	encodeBallot(w, s.Ballot)
	encodeBallot(w, s.Prepared)
	encodeBallot(w, s.PreparedPrime)
	w.u32(s.CLow)
	w.u32(s.CHigh)
	w.uvarint(uint64(len(s.CommitQuorum)))
	for i := range s.CommitQuorum {
		w.raw(s.CommitQuorum[i].Validator[:])
		w.raw(s.CommitQuorum[i].Signature[:])
	}
}

// SigningBytes is the signed payload. It covers every field including
// the network id and slot, so a statement signed for one slot or
// network cannot be replayed on another.
func (s *Statement) SigningBytes() []byte {
	w := &writer{}
	s.encodeBody(w)
	return w.buf.Bytes()
}

// Encode returns the full frame: signed body plus signature.
func (s *Statement) Encode() []byte {
	w := &writer{}
	s.encodeBody(w)
	w.raw(s.Signature[:])
	return w.buf.Bytes()
}

// DecodeStatement parses a consensus statement frame.
func DecodeStatement(data []byte) (*Statement, error) {
	r := &reader{b: data}
	s := &Statement{}
	s.Kind = MsgKind(r.u8("kind"))
	r.arr32((*[32]byte)(&s.NetworkID), "network id")
	s.Slot = r.u64("slot")
	r.arr32((*[32]byte)(&s.Sender), "sender")
	if n := r.count("voted"); n > 0 {
		s.Voted = make([]Hash, n)
		for i := range s.Voted {
			r.arr32((*[32]byte)(&s.Voted[i]), "voted value")
		}
	}
	if n := r.count("accepted"); n > 0 {
		s.Accepted = make([]Hash, n)
		for i := range s.Accepted {
			r.arr32((*[32]byte)(&s.Accepted[i]), "accepted value")
		}
	}
	s.Ballot = decodeBallot(r)
	s.Prepared = decodeBallot(r)
	s.PreparedPrime = decodeBallot(r)
	s.CLow = r.u32("c low")
	s.CHigh = r.u32("c high")
	if n := r.count("commit quorum"); n > 0 {
		s.CommitQuorum = make([]ValidatorSignature, n)
		for i := range s.CommitQuorum {
			r.arr32((*[32]byte)(&s.CommitQuorum[i].Validator), "quorum validator")
			if b := r.take(64, "quorum signature"); b != nil {
				copy(s.CommitQuorum[i].Signature[:], b)
			}
		}
	}
	if b := r.take(64, "statement signature"); b != nil {
		copy(s.Signature[:], b)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	if s.Kind < MsgNominate || s.Kind > MsgExternalize {
		return nil, NewFault(ErrMalformed, "statement", -1, "kind "+s.Kind.String())
	}
	return s, nil
}

// Sign fills in the statement signature.
func (s *Statement) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, s.SigningBytes())
	copy(s.Signature[:], sig)
}

// VerifySignature checks the signature against the sender key.
func (s *Statement) VerifySignature() bool {
	return ed25519.Verify(ed25519.PublicKey(s.Sender[:]), s.SigningBytes(), s.Signature[:])
}

// DedupKey identifies a statement for receive-side de-duplication:
// (slot, phase, counter, sender, body hash).
func (s *Statement) DedupKey() Hash {
	w := &writer{}
	w.u64(s.Slot)
	w.u8(uint8(s.Kind))
	w.u32(s.Ballot.Counter)
	w.raw(s.Sender[:])
	body := blake2b.Sum256(s.SigningBytes())
	w.raw(body[:])
	return blake2b.Sum256(w.buf.Bytes())
}

// GetBlocks asks a peer for the inclusive height range [From, To].
type GetBlocks struct {
	From uint64
	To   uint64
}

func (g *GetBlocks) Encode() []byte {
	w := &writer{}
	w.u64(g.From)
	w.u64(g.To)
	return w.buf.Bytes()
}

func DecodeGetBlocks(data []byte) (*GetBlocks, error) {
	r := &reader{b: data}
	g := &GetBlocks{}
	g.From = r.u64("from height")
	g.To = r.u64("to height")
	if err := r.done(); err != nil {
		return nil, err
	}
	return g, nil
}

// BlocksMsg answers a GetBlocks request.
type BlocksMsg struct {
	Blocks []*Block
}

func (m *BlocksMsg) Encode() []byte {
	w := &writer{}
	w.uvarint(uint64(len(m.Blocks)))
	for _, b := range m.Blocks {
		w.blob(b.Encode())
	}
	return w.buf.Bytes()
}

func DecodeBlocksMsg(data []byte) (*BlocksMsg, error) {
	r := &reader{b: data}
	m := &BlocksMsg{}
	n := r.count("blocks")
	for i := 0; i < n && r.err == nil; i++ {
		bl := r.count("block size")
		raw := r.take(bl, "block body")
		if r.err != nil {
			break
		}
		b, err := DecodeBlock(raw)
		if err != nil {
			return nil, err
		}
		m.Blocks = append(m.Blocks, b)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return m, nil
}
