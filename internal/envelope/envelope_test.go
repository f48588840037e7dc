package envelope

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testDomain() Domain {
	return Domain{
		Name:           "Custodia Relay",
		Version:        "1",
		ChainID:        8453,
		VerifyingRelay: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
}

func testEnvelope(from common.Address) Envelope {
	return Envelope{
		From:     from,
		To:       common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		Value:    0,
		Gas:      200_000,
		Nonce:    0,
		Deadline: 1_900_000_000,
		ChainID:  8453,
		Data:     []byte{0x01, 0x02, 0x03},
	}
}

func TestSignAndVerify_RoundTrip(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	d := testDomain()
	env := testEnvelope(from)

	sig, err := Sign(key, d, env)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v byte = %d, want 27 or 28", sig[64])
	}

	if err := Verify(d, env, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_SignerMismatch(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	d := testDomain()
	env := testEnvelope(from)
	sig, err := Sign(key, d, env)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Claiming a different From must fail even with a valid signature.
	env.From = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	if err := Verify(d, env, sig); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("expected ErrSignerMismatch, got %v", err)
	}
}

func TestVerify_TamperedFieldChangesDigest(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	d := testDomain()
	env := testEnvelope(from)
	sig, err := Sign(key, d, env)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := env
	tampered.Value = 1
	err = Verify(d, tampered, sig)
	if err == nil {
		t.Fatalf("expected verification failure on tampered envelope")
	}
}

func TestVerify_DomainSeparation(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	d := testDomain()
	env := testEnvelope(from)
	sig, err := Sign(key, d, env)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	other := d
	other.VerifyingRelay = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	if err := Verify(other, env, sig); err == nil {
		t.Fatalf("expected verification failure under different domain")
	}

	otherChain := d
	otherChain.ChainID = 1
	if err := Verify(otherChain, env, sig); err == nil {
		t.Fatalf("expected verification failure under different chain id")
	}
}

func TestNormalizeSignatureV(t *testing.T) {
	t.Parallel()

	sig := make([]byte, 65)
	sig[64] = 29
	if _, err := normalizeSignatureV(sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for v=29, got %v", err)
	}
	if _, err := normalizeSignatureV(make([]byte, 64)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for short signature, got %v", err)
	}

	sig[64] = 28
	out, err := normalizeSignatureV(sig)
	if err != nil {
		t.Fatalf("normalizeSignatureV: %v", err)
	}
	if out[64] != 1 {
		t.Fatalf("normalized v = %d, want 1", out[64])
	}
	if sig[64] != 28 {
		t.Fatalf("input signature mutated")
	}
}

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	valid := testEnvelope(common.HexToAddress("0x00000000000000000000000000000000000000ee"))
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	missingFrom := valid
	missingFrom.From = common.Address{}
	if err := missingFrom.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}

	missingChain := valid
	missingChain.ChainID = 0
	if err := missingChain.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}
