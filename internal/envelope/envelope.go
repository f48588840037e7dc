package envelope

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidEnvelope  = errors.New("envelope: invalid envelope")
	ErrInvalidSignature = errors.New("envelope: invalid signature")
	ErrSignerMismatch   = errors.New("envelope: signer mismatch")
)

// Envelope is a signed, off-chain-constructed description of an intended
// call, replayed by a third-party relayer on the signer's behalf.
//
// Deadline is unix seconds. Amounts are uint64 base units in this repo
// scaffold; production should use uint256-compatible math end-to-end.
type Envelope struct {
	From     common.Address
	To       common.Address
	Value    uint64
	Gas      uint64
	Nonce    uint64
	Deadline uint64
	ChainID  uint64
	Data     []byte
}

func (e Envelope) Validate() error {
	if e.From == (common.Address{}) {
		return fmt.Errorf("%w: missing from", ErrInvalidEnvelope)
	}
	if e.To == (common.Address{}) {
		return fmt.Errorf("%w: missing to", ErrInvalidEnvelope)
	}
	if e.ChainID == 0 {
		return fmt.Errorf("%w: missing chain id", ErrInvalidEnvelope)
	}
	if e.Deadline == 0 {
		return fmt.Errorf("%w: missing deadline", ErrInvalidEnvelope)
	}
	return nil
}

// Domain binds signatures to one relay deployment. Envelopes signed for a
// different name, version, chain, or relay address never verify here.
type Domain struct {
	Name           string
	Version        string
	ChainID        uint64
	VerifyingRelay common.Address
}

var (
	domainTypeHash   = crypto.Keccak256Hash([]byte("Domain(string name,string version,uint256 chainId,address verifyingRelay)"))
	envelopeTypeHash = crypto.Keccak256Hash([]byte("Envelope(address from,address to,uint256 value,uint256 gas,uint256 nonce,uint256 deadline,uint256 chainId,bytes data)"))
)

// Separator returns the domain separator hash.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash[:],
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		uint64Word(d.ChainID),
		addressWord(d.VerifyingRelay),
	)
}

// Digest computes the signing digest for env under domain d:
//
//	keccak256(0x19 || 0x01 || separator || structHash)
func Digest(d Domain, env Envelope) common.Hash {
	structHash := crypto.Keccak256Hash(
		envelopeTypeHash[:],
		addressWord(env.From),
		addressWord(env.To),
		uint64Word(env.Value),
		uint64Word(env.Gas),
		uint64Word(env.Nonce),
		uint64Word(env.Deadline),
		uint64Word(env.ChainID),
		crypto.Keccak256(env.Data),
	)
	sep := d.Separator()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep[:], structHash[:])
}

// Sign produces a 65-byte r||s||v signature over the envelope digest,
// with v normalized to {27, 28}.
func Sign(key *ecdsa.PrivateKey, d Domain, env Envelope) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidSignature)
	}
	digest := Digest(d, env)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("envelope: sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner returns the address that signed the envelope digest.
func RecoverSigner(d Domain, env Envelope, sig []byte) (common.Address, error) {
	ns, err := normalizeSignatureV(sig)
	if err != nil {
		return common.Address{}, err
	}
	digest := Digest(d, env)
	pub, err := crypto.SigToPub(digest[:], ns)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks the signature and requires the recovered signer to equal
// env.From. It performs no replay or deadline checks; those belong to the
// relay, which owns nonce and clock state.
func Verify(d Domain, env Envelope, sig []byte) error {
	if err := env.Validate(); err != nil {
		return err
	}
	signer, err := RecoverSigner(d, env, sig)
	if err != nil {
		return err
	}
	if signer != env.From {
		return fmt.Errorf("%w: recovered %s want %s", ErrSignerMismatch, signer.Hex(), env.From.Hex())
	}
	return nil
}

// normalizeSignatureV accepts v in {0, 1, 27, 28} and returns a copy with
// v in {0, 1} as crypto.SigToPub expects.
func normalizeSignatureV(sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	out := append([]byte(nil), sig...)
	switch out[64] {
	case 0, 1:
	case 27, 28:
		out[64] -= 27
	default:
		return nil, fmt.Errorf("%w: v byte %d", ErrInvalidSignature, out[64])
	}
	return out, nil
}

func uint64Word(v uint64) []byte {
	var w [32]byte
	w[24] = byte(v >> 56)
	w[25] = byte(v >> 48)
	w[26] = byte(v >> 40)
	w[27] = byte(v >> 32)
	w[28] = byte(v >> 24)
	w[29] = byte(v >> 16)
	w[30] = byte(v >> 8)
	w[31] = byte(v)
	return w[:]
}

func addressWord(a common.Address) []byte {
	var w [32]byte
	copy(w[12:], a[:])
	return w[:]
}
