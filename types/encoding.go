package types

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Binary codec. All integers are little-endian fixed-width; element
// counts are unsigned varints. The block layout on disk is: header
// (height, prev hash, tx merkle root, timestamp, minter id, proof
// length), consensus proof bytes, varint transaction count, transactions.

const validatorSigSize = 32 + 64

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *writer) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }

func (w *writer) uvarint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	w.buf.Write(b[:n])
}

func (w *writer) raw(b []byte) { w.buf.Write(b) }

func (w *writer) blob(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf.Write(b)
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = errors.Wrap(ErrMalformed, "truncated "+what)
	}
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.fail(what)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8(what string) uint8 {
	b := r.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32(what string) uint32 {
	b := r.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64(what string) uint64 {
	b := r.take(8, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) uvarint(what string) uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b[r.off:])
	if n <= 0 {
		r.fail(what)
		return 0
	}
	r.off += n
	return v
}

// count reads a varint element count and sanity-bounds it against the
// remaining input so a hostile length cannot trigger a huge allocation.
func (r *reader) count(what string) int {
	v := r.uvarint(what)
	if r.err != nil {
		return 0
	}
	if v > uint64(len(r.b)-r.off) {
		r.fail(what)
		return 0
	}
	return int(v)
}

func (r *reader) arr32(dst *[32]byte, what string) {
	b := r.take(32, what)
	if b != nil {
		copy(dst[:], b)
	}
}

func (r *reader) done() error {
	return r.err
}

// Transaction encoding

func encodeOutput(w *writer, o *TxOutput) {
	w.raw(o.OneTimeKey[:])
	w.raw(o.Commitment[:])
	w.raw(o.TagCommitment[:])
	w.raw(o.AmountHint[:])
	w.raw(o.EphemeralPub[:])
	w.blob(o.PQHint)
	w.uvarint(uint64(len(o.ClusterTags)))
	for _, t := range o.ClusterTags {
		w.u32(t)
	}
}

func decodeOutput(r *reader) *TxOutput {
	o := &TxOutput{}
	r.arr32((*[32]byte)(&o.OneTimeKey), "one-time key")
	r.arr32((*[32]byte)(&o.Commitment), "commitment")
	r.arr32((*[32]byte)(&o.TagCommitment), "tag commitment")
	if b := r.take(AmountHintSize, "amount hint"); b != nil {
		copy(o.AmountHint[:], b)
	}
	r.arr32((*[32]byte)(&o.EphemeralPub), "ephemeral key")
	if n := r.count("pq hint"); n > 0 {
		o.PQHint = append([]byte(nil), r.take(n, "pq hint")...)
	}
	if n := r.count("cluster tags"); n > 0 {
		o.ClusterTags = make([]uint32, n)
		for i := range o.ClusterTags {
			o.ClusterTags[i] = r.u32("cluster tag")
		}
	}
	return o
}

func encodeInput(w *writer, in *TxInput) {
	w.uvarint(uint64(len(in.Ring)))
	for _, idx := range in.Ring {
		w.u64(uint64(idx))
	}
	w.raw(in.KeyImage[:])
	w.raw(in.PseudoCommitment[:])
	w.raw(in.TagCommitment[:])
	w.raw(in.Signature.C0[:])
	w.uvarint(uint64(len(in.Signature.Responses)))
	for i := range in.Signature.Responses {
		w.raw(in.Signature.Responses[i][:])
	}
	w.raw(in.Signature.D[:])
}

func decodeInput(r *reader) *TxInput {
	in := &TxInput{}
	if n := r.count("ring"); n > 0 {
		in.Ring = make([]OutputIndex, n)
		for i := range in.Ring {
			in.Ring[i] = OutputIndex(r.u64("ring member"))
		}
	}
	r.arr32((*[32]byte)(&in.KeyImage), "key image")
	r.arr32((*[32]byte)(&in.PseudoCommitment), "pseudo commitment")
	r.arr32((*[32]byte)(&in.TagCommitment), "tag commitment")
	r.arr32(&in.Signature.C0, "signature c0")
	if n := r.count("signature responses"); n > 0 {
		in.Signature.Responses = make([][32]byte, n)
		for i := range in.Signature.Responses {
			r.arr32(&in.Signature.Responses[i], "signature response")
		}
	}
	r.arr32(&in.Signature.D, "signature d")
	return in
}

func encodeRangeProof(w *writer, p *RangeProof) {
	w.raw(p.A[:])
	w.raw(p.S[:])
	w.raw(p.T1[:])
	w.raw(p.T2[:])
	w.raw(p.TauX[:])
	w.raw(p.Mu[:])
	w.raw(p.T[:])
	w.uvarint(uint64(len(p.L)))
	for i := range p.L {
		w.raw(p.L[i][:])
		w.raw(p.R[i][:])
	}
	w.raw(p.TailA[:])
	w.raw(p.TailB[:])
}

func decodeRangeProof(r *reader) *RangeProof {
	p := &RangeProof{}
	r.arr32(&p.A, "range proof A")
	r.arr32(&p.S, "range proof S")
	r.arr32(&p.T1, "range proof T1")
	r.arr32(&p.T2, "range proof T2")
	r.arr32(&p.TauX, "range proof taux")
	r.arr32(&p.Mu, "range proof mu")
	r.arr32(&p.T, "range proof t")
	if n := r.count("range proof rounds"); n > 0 {
		p.L = make([][32]byte, n)
		p.R = make([][32]byte, n)
		for i := 0; i < n; i++ {
			r.arr32(&p.L[i], "range proof L")
			r.arr32(&p.R[i], "range proof R")
		}
	}
	r.arr32(&p.TailA, "range proof a")
	r.arr32(&p.TailB, "range proof b")
	return p
}

func encodeTagProof(w *writer, p *TagProof) {
	w.raw(p.Challenge[:])
	w.uvarint(uint64(len(p.Responses)))
	for i := range p.Responses {
		w.raw(p.Responses[i][:])
	}
}

func decodeTagProof(r *reader) *TagProof {
	p := &TagProof{}
	r.arr32(&p.Challenge, "tag proof challenge")
	if n := r.count("tag proof responses"); n > 0 {
		p.Responses = make([][32]byte, n)
		for i := range p.Responses {
			r.arr32(&p.Responses[i], "tag proof response")
		}
	}
	return p
}

func encodeTx(w *writer, tx *Transaction) {
	w.u8(tx.Version)
	w.u64(tx.Fee)
	w.uvarint(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		encodeInput(w, in)
	}
	w.uvarint(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		encodeOutput(w, out)
	}
	if tx.RangeProof != nil {
		w.u8(1)
		encodeRangeProof(w, tx.RangeProof)
	} else {
		w.u8(0)
	}
	if tx.TagProof != nil {
		w.u8(1)
		encodeTagProof(w, tx.TagProof)
	} else {
		w.u8(0)
	}
}

func decodeTx(r *reader) *Transaction {
	tx := &Transaction{}
	tx.Version = r.u8("version")
	tx.Fee = r.u64("fee")
	if n := r.count("inputs"); n > 0 {
		tx.Inputs = make([]*TxInput, n)
		for i := range tx.Inputs {
			tx.Inputs[i] = decodeInput(r)
		}
	}
	if n := r.count("outputs"); n > 0 {
		tx.Outputs = make([]*TxOutput, n)
		for i := range tx.Outputs {
			tx.Outputs[i] = decodeOutput(r)
		}
	}
	if r.u8("range proof flag") == 1 {
		tx.RangeProof = decodeRangeProof(r)
	}
	if r.u8("tag proof flag") == 1 {
		tx.TagProof = decodeTagProof(r)
	}
	return tx
}

// Encode returns the canonical binary form of the transaction.
func (tx *Transaction) Encode() []byte {
	w := &writer{}
	encodeTx(w, tx)
	return w.buf.Bytes()
}

// DecodeTransaction parses a canonical transaction encoding.
func DecodeTransaction(data []byte) (*Transaction, error) {
	r := &reader{b: data}
	tx := decodeTx(r)
	if err := r.done(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Block encoding

func (b *Block) encodeHeader(buf *bytes.Buffer) {
	w := &writer{}
	w.u64(b.Header.Height)
	w.raw(b.Header.PrevHash[:])
	w.raw(b.Header.TxRoot[:])
	w.u64(b.Header.Timestamp)
	w.raw(b.Header.MinterID[:])
	buf.Write(w.buf.Bytes())
}

func (b *Block) encodeHeaderAndProof(buf *bytes.Buffer) {
	b.encodeHeader(buf)
	w := &writer{}
	w.u32(uint32(len(b.ConsensusProof) * validatorSigSize))
	for i := range b.ConsensusProof {
		w.raw(b.ConsensusProof[i].Validator[:])
		w.raw(b.ConsensusProof[i].Signature[:])
	}
	buf.Write(w.buf.Bytes())
}

// Encode returns the canonical binary form of the block, which is also
// its on-disk layout.
func (b *Block) Encode() []byte {
	w := &writer{}
	var hdr bytes.Buffer
	b.encodeHeaderAndProof(&hdr)
	w.raw(hdr.Bytes())
	w.uvarint(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		encodeTx(w, tx)
	}
	return w.buf.Bytes()
}

// DecodeBlock parses a canonical block encoding.
func DecodeBlock(data []byte) (*Block, error) {
	r := &reader{b: data}
	b := &Block{}
	b.Header.Height = r.u64("height")
	r.arr32((*[32]byte)(&b.Header.PrevHash), "prev hash")
	r.arr32((*[32]byte)(&b.Header.TxRoot), "tx root")
	b.Header.Timestamp = r.u64("timestamp")
	r.arr32((*[32]byte)(&b.Header.MinterID), "minter id")
	proofLen := r.u32("proof length")
	if r.err == nil && proofLen%validatorSigSize != 0 {
		r.fail("proof length")
	}
	if n := int(proofLen) / validatorSigSize; r.err == nil && n > 0 {
		b.ConsensusProof = make([]ValidatorSignature, n)
		for i := range b.ConsensusProof {
			r.arr32((*[32]byte)(&b.ConsensusProof[i].Validator), "proof validator")
			if sb := r.take(64, "proof signature"); sb != nil {
				copy(b.ConsensusProof[i].Signature[:], sb)
			}
		}
	}
	if n := r.count("transactions"); n > 0 {
		b.Transactions = make([]*Transaction, n)
		for i := range b.Transactions {
			b.Transactions[i] = decodeTx(r)
		}
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return b, nil
}

// SizeBytes returns the encoded size of the transaction. Used by mempool
// admission and fee-per-byte ordering.
func (tx *Transaction) SizeBytes() int {
	return len(tx.Encode())
}

// EncodeOutput serializes a single output for the ledger's output index.
func EncodeOutput(o *TxOutput) []byte {
	w := &writer{}
	encodeOutput(w, o)
	return w.buf.Bytes()
}

// DecodeOutput parses a single output record.
func DecodeOutput(data []byte) (*TxOutput, error) {
	r := &reader{b: data}
	o := decodeOutput(r)
	if err := r.done(); err != nil {
		return nil, err
	}
	return o, nil
}
