// Package keys manages the relayer's secp256k1 signing identity.
package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidPrivateKey = errors.New("keys: invalid private key")
	ErrInvalidAddress    = errors.New("keys: invalid address")
)

// EnsureRelayerKeyFile loads a secp256k1 private key from path, generating
// one if absent. The key is stored as lowercase hex without 0x prefix and
// mode 0600 on Unix.
func EnsureRelayerKeyFile(path string) (*ecdsa.PrivateKey, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, fmt.Errorf("keys: key path required")
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, parseErr := ParsePrivateKeyHex(string(raw))
		if parseErr != nil {
			return nil, false, fmt.Errorf("keys: parse key %s: %w", path, parseErr)
		}
		return key, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("keys: read key %s: %w", path, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("keys: generate key: %w", err)
	}
	keyHex := strings.ToLower(common.Bytes2Hex(crypto.FromECDSA(key)))

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("keys: create key dir: %w", err)
	}
	if err := writeFile0600(path, []byte(keyHex+"\n")); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// ParsePrivateKeyHex parses a 32-byte secp256k1 private key from hex with an
// optional 0x prefix. The returned error is sanitized and never includes key
// material.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, ErrInvalidPrivateKey
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return key, nil
}

// AddressOf derives the account address for a private key.
func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// ParseAddress validates and normalizes a hex account address.
func ParseAddress(input string) (common.Address, error) {
	v := strings.TrimSpace(input)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, input)
	}
	return common.HexToAddress(v), nil
}

// ParseAddressList parses a comma-separated list of hex addresses, skipping
// empty entries.
func ParseAddressList(s string) ([]common.Address, error) {
	var out []common.Address
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		addr, err := ParseAddress(p)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func writeFile0600(path string, bytes []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("keys: open key for write %s: %w", path, err)
	}
	if _, err := f.Write(bytes); err != nil {
		_ = f.Close()
		return fmt.Errorf("keys: write key %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("keys: sync key %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("keys: close key %s: %w", path, err)
	}
	return nil
}
