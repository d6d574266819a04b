package validation

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botho-network/botho/crypto"
	"github.com/botho-network/botho/ledger"
	"github.com/botho-network/botho/types"
)

var log = logrus.WithField("prefix", "validation")

// LedgerView is the immutable snapshot validation reads from. A
// *ledger.Snapshot satisfies it.
type LedgerView interface {
	Output(types.OutputIndex) (*ledger.OutputRecord, error)
	IsSpent(types.KeyImage) (bool, error)
	NumOutputs() types.OutputIndex
}

// Rules carries the per-network validation parameters.
type Rules struct {
	RingSize   int
	MaxTxBytes int
}

// Validate checks one transaction against a ledger snapshot. It is pure:
// no state is touched, and the same inputs always give the same answer.
// Checks run cheapest-first so structural garbage never reaches the
// expensive proof verifications.
func Validate(tx *types.Transaction, view LedgerView, rules Rules) error {
	if err := checkStructure(tx, rules); err != nil {
		return err
	}
	if err := checkSpent(tx, view); err != nil {
		return err
	}
	members, err := resolveRings(tx, view)
	if err != nil {
		return err
	}
	if err := checkRangeProof(tx); err != nil {
		return err
	}
	if err := checkBalance(tx); err != nil {
		return err
	}
	if err := checkRingSignatures(tx, members); err != nil {
		return err
	}
	return checkTagConservation(tx)
}

func checkStructure(tx *types.Transaction, rules Rules) error {
	if len(tx.Inputs) == 0 {
		return types.NewFault(types.ErrMalformed, "structure", -1, "no inputs")
	}
	if len(tx.Outputs) == 0 {
		return types.NewFault(types.ErrMalformed, "structure", -1, "no outputs")
	}
	if rules.MaxTxBytes > 0 && tx.SizeBytes() > rules.MaxTxBytes {
		return types.NewFault(types.ErrMalformed, "structure", -1, "oversized transaction")
	}
	seen := make(map[types.KeyImage]struct{}, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if len(in.Ring) != rules.RingSize {
			return types.NewFault(types.ErrMalformed, "structure", i, "ring size disagrees with protocol")
		}
		if _, dup := seen[in.KeyImage]; dup {
			return types.NewFault(types.ErrMalformed, "structure", i, "duplicate key image in transaction")
		}
		seen[in.KeyImage] = struct{}{}
	}
	if tx.RangeProof == nil {
		return types.NewFault(types.ErrMalformed, "structure", -1, "missing range proof")
	}
	if tx.TagProof == nil {
		return types.NewFault(types.ErrMalformed, "structure", -1, "missing tag proof")
	}
	return nil
}

func checkSpent(tx *types.Transaction, view LedgerView) error {
	for i, in := range tx.Inputs {
		spent, err := view.IsSpent(in.KeyImage)
		if err != nil {
			return errors.Wrap(err, "spent set read")
		}
		if spent {
			return types.NewFault(types.ErrDoubleSpend, "spent", i, in.KeyImage.String())
		}
	}
	return nil
}

// resolveRings confirms every ring member exists and loads the (key,
// commitment) pairs the ring signatures verify against. Indexes at or
// past the snapshot's output count are unknown by construction, which
// is also what rejects spends of outputs created in the same block.
func resolveRings(tx *types.Transaction, view LedgerView) ([][]crypto.RingMember, error) {
	limit := view.NumOutputs()
	members := make([][]crypto.RingMember, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ring := make([]crypto.RingMember, len(in.Ring))
		for j, idx := range in.Ring {
			if idx >= limit {
				return nil, types.NewFault(types.ErrUnknownOutput, "ring", i, "output index past snapshot")
			}
			rec, err := view.Output(idx)
			if errors.Is(err, types.ErrNotFound) {
				return nil, types.NewFault(types.ErrUnknownOutput, "ring", i, "missing ring member")
			}
			if err != nil {
				return nil, errors.Wrap(err, "output read")
			}
			key, err := crypto.DecodePoint([32]byte(rec.Output.OneTimeKey))
			if err != nil {
				return nil, types.NewFault(types.ErrMalformed, "ring", i, "ring member key encoding")
			}
			com, err := crypto.DecodePoint([32]byte(rec.Output.Commitment))
			if err != nil {
				return nil, types.NewFault(types.ErrMalformed, "ring", i, "ring member commitment encoding")
			}
			ring[j] = crypto.RingMember{Key: key, Commitment: com}
		}
		members[i] = ring
	}
	return members, nil
}

func outputCommitments(tx *types.Transaction) []types.Commitment {
	out := make([]types.Commitment, len(tx.Outputs))
	for i, o := range tx.Outputs {
		out[i] = o.Commitment
	}
	return out
}

// checkRangeProof accepts only the single aggregated proof over every
// output commitment; per-output proofs do not exist in this protocol.
func checkRangeProof(tx *types.Transaction) error {
	if err := crypto.VerifyRange(tx.RangeProof, outputCommitments(tx)); err != nil {
		return types.NewFault(types.ErrBadProof, "range", -1, err.Error())
	}
	return nil
}

func checkBalance(tx *types.Transaction) error {
	pseudos := make([]types.Commitment, len(tx.Inputs))
	for i, in := range tx.Inputs {
		pseudos[i] = in.PseudoCommitment
	}
	if !crypto.BalanceHolds(pseudos, outputCommitments(tx), tx.Fee) {
		return types.NewFault(types.ErrBadProof, "balance", -1, "commitments do not balance")
	}
	return nil
}

func checkRingSignatures(tx *types.Transaction, members [][]crypto.RingMember) error {
	msg := tx.SigningHash()
	for i, in := range tx.Inputs {
		if err := crypto.VerifyRing(msg[:], members[i], &in.Signature, in.KeyImage, in.PseudoCommitment); err != nil {
			return types.NewFault(types.ErrBadSignature, "ring-signature", i, err.Error())
		}
	}
	return nil
}

func checkTagConservation(tx *types.Transaction) error {
	ins := make([]types.Commitment, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ins[i] = in.TagCommitment
	}
	outs := make([]types.Commitment, len(tx.Outputs))
	for i, o := range tx.Outputs {
		outs[i] = o.TagCommitment
	}
	if err := crypto.VerifyTagConservation(tx.TagProof, ins, outs); err != nil {
		return types.NewFault(types.ErrBadProof, "attribution", -1, err.Error())
	}
	return nil
}

// ValidateBlockTxs re-validates a block's transactions against the
// predecessor snapshot. Per-transaction checks are independent; the
// cross-transaction key-image uniqueness check runs after them, and a
// collision condemns the whole block.
func ValidateBlockTxs(txs []*types.Transaction, view LedgerView, rules Rules) error {
	for pos, tx := range txs {
		if err := Validate(tx, view, rules); err != nil {
			log.WithFields(logrus.Fields{"position": pos, "tx": tx.Hash()}).WithError(err).Warn("block transaction invalid")
			return errors.Wrapf(err, "tx %d", pos)
		}
	}
	return CrossChecks(txs)
}

// CrossChecks enforces the block-wide invariants that per-transaction
// validation cannot see: key-image uniqueness across transactions.
func CrossChecks(txs []*types.Transaction) error {
	seen := make(map[types.KeyImage]int)
	for pos, tx := range txs {
		for _, in := range tx.Inputs {
			if prev, dup := seen[in.KeyImage]; dup {
				return types.NewFault(types.ErrDoubleSpend, "block", pos,
					errors.Errorf("key image shared with tx %d", prev).Error())
			}
			seen[in.KeyImage] = pos
		}
	}
	return nil
}
