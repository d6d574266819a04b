package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/pkg/errors"

	"github.com/botho-network/botho/types"
)

// Stealth addressing. A recipient publishes a view key and a spend key;
// the sender derives a one-time key per output from ephemeral
// randomness. Scanning with the view key finds owned outputs; only the
// spend key yields the one-time secret. An ML-KEM-768 encapsulation
// rides along on each output so the shared secret stays private against
// a future discrete-log adversary.

var (
	stealthSharedDomain = []byte("botho.v1.stealth.shared")
	stealthAmountDomain = []byte("botho.v1.stealth.amount")
)

func pqScheme() kem.Scheme {
	return mlkem768.Scheme()
}

// WalletKeys contains the view and spend keypairs plus the post-quantum
// decapsulation key.
type WalletKeys struct {
	ViewPriv  *Scalar
	ViewPub   *Point
	SpendPriv *Scalar
	SpendPub  *Point
	PQPub     kem.PublicKey
	PQPriv    kem.PrivateKey
}

// StealthAddress is the public half a sender needs.
type StealthAddress struct {
	ViewPub  types.PublicKey
	SpendPub types.PublicKey
	PQPub    []byte
}

// GenerateWalletKeys creates keys for the stealth address scheme.
func GenerateWalletKeys() (*WalletKeys, error) {
	view := RandomScalar()
	spend := RandomScalar()
	pqPub, pqPriv, err := pqScheme().GenerateKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "ml-kem keygen")
	}
	return &WalletKeys{
		ViewPriv:  view,
		ViewPub:   new(Point).ScalarBaseMult(view),
		SpendPriv: spend,
		SpendPub:  new(Point).ScalarBaseMult(spend),
		PQPub:     pqPub,
		PQPriv:    pqPriv,
	}, nil
}

// Address derives the public stealth address.
func (wk *WalletKeys) Address() StealthAddress {
	pq, err := wk.PQPub.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return StealthAddress{
		ViewPub:  types.PublicKey(pointBytes32(wk.ViewPub)),
		SpendPub: types.PublicKey(pointBytes32(wk.SpendPub)),
		PQPub:    pq,
	}
}

// SendDerivation is everything DeriveForSend hands back to the sender.
type SendDerivation struct {
	OneTimePub   types.PublicKey
	EphemeralPub types.PublicKey
	SharedSecret [32]byte
	PQHint       []byte
}

func sharedPointSecret(shared *Point, outputIndex uint32, pqShared []byte) (*Scalar, [32]byte) {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], outputIndex)
	s := HashToScalar(stealthSharedDomain, shared.Bytes(), idx[:], pqShared)
	var secret [32]byte
	copy(secret[:], s.Bytes())
	return s, secret
}

// DeriveForSend samples ephemeral randomness and derives the one-time
// key for an output addressed to the recipient. outputIndex is the
// output's position within its transaction, so two outputs to the same
// address differ.
func DeriveForSend(recipient StealthAddress, outputIndex uint32) (*SendDerivation, error) {
	viewPub, err := DecodePoint([32]byte(recipient.ViewPub))
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, "recipient view key")
	}
	spendPub, err := DecodePoint([32]byte(recipient.SpendPub))
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, "recipient spend key")
	}
	pqPub, err := pqScheme().UnmarshalBinaryPublicKey(recipient.PQPub)
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, "recipient pq key")
	}
	ct, pqShared, err := pqScheme().Encapsulate(pqPub)
	if err != nil {
		return nil, errors.Wrap(err, "ml-kem encapsulate")
	}

	r := RandomScalar()
	ephPub := new(Point).ScalarBaseMult(r)
	ecdh := new(Point).ScalarMult(r, viewPub)
	h, secret := sharedPointSecret(ecdh, outputIndex, pqShared)

	// P = Hs(shared)*G + B
	oneTime := new(Point).ScalarBaseMult(h)
	oneTime.Add(oneTime, spendPub)

	return &SendDerivation{
		OneTimePub:   types.PublicKey(pointBytes32(oneTime)),
		EphemeralPub: types.PublicKey(pointBytes32(ephPub)),
		SharedSecret: secret,
		PQHint:       ct,
	}, nil
}

// Scan checks whether an output is addressed to this wallet. It returns
// the shared secret when it is, nil otherwise.
func (wk *WalletKeys) Scan(out *types.TxOutput, outputIndex uint32) (*[32]byte, error) {
	ephPub, err := DecodePoint([32]byte(out.EphemeralPub))
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, "ephemeral key")
	}
	pqShared, err := pqScheme().Decapsulate(wk.PQPriv, out.PQHint)
	if err != nil {
		return nil, nil // hint addressed to someone else's KEM key
	}
	ecdh := new(Point).ScalarMult(wk.ViewPriv, ephPub)
	h, secret := sharedPointSecret(ecdh, outputIndex, pqShared)

	expected := new(Point).ScalarBaseMult(h)
	expected.Add(expected, wk.SpendPub)
	if pointBytes32(expected) != [32]byte(out.OneTimeKey) {
		return nil, nil
	}
	return &secret, nil
}

// OneTimeSecret derives the spending secret for an owned output:
// x = Hs(shared) + b. Its public key is the output's one-time key.
func (wk *WalletKeys) OneTimeSecret(out *types.TxOutput, outputIndex uint32) (*Scalar, error) {
	ephPub, err := DecodePoint([32]byte(out.EphemeralPub))
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, "ephemeral key")
	}
	pqShared, err := pqScheme().Decapsulate(wk.PQPriv, out.PQHint)
	if err != nil {
		return nil, errors.New("output does not belong to this wallet")
	}
	ecdh := new(Point).ScalarMult(wk.ViewPriv, ephPub)
	h, _ := sharedPointSecret(ecdh, outputIndex, pqShared)
	x := new(Scalar).Add(h, wk.SpendPriv)
	oneTime := new(Point).ScalarBaseMult(x)
	if pointBytes32(oneTime) != [32]byte(out.OneTimeKey) {
		return nil, errors.New("output does not belong to this wallet")
	}
	return x, nil
}

// EncryptAmount XORs the amount with a keystream bound to the shared
// secret, producing the hint a recipient decodes during scanning.
func EncryptAmount(amount uint64, shared [32]byte) [types.AmountHintSize]byte {
	pad := HashToScalar(stealthAmountDomain, shared[:]).Bytes()
	var out [types.AmountHintSize]byte
	binary.LittleEndian.PutUint64(out[:], amount)
	for i := range out {
		out[i] ^= pad[i]
	}
	return out
}

// DecryptAmount reverses EncryptAmount.
func DecryptAmount(hint [types.AmountHintSize]byte, shared [32]byte) uint64 {
	pad := HashToScalar(stealthAmountDomain, shared[:]).Bytes()
	var buf [types.AmountHintSize]byte
	for i := range buf {
		buf[i] = hint[i] ^ pad[i]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// ValidatorKeyPair is a validator's Ed25519 identity.
type ValidatorKeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  types.PublicKey
}

// GenerateValidatorKey creates a new validator identity.
func GenerateValidatorKey() (*ValidatorKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var pk types.PublicKey
	copy(pk[:], pub)
	return &ValidatorKeyPair{PrivateKey: priv, PublicKey: pk}, nil
}
