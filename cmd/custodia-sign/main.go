// custodia-sign produces a signed meta-transaction envelope ready for the
// relay's execute endpoint. It is a client-side developer utility; the
// private key never leaves this process.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-fi/custodia/internal/envelope"
	"github.com/custodia-fi/custodia/internal/keys"
)

type output struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	Gas       string `json:"gas"`
	Nonce     string `json:"nonce"`
	Deadline  string `json:"deadline"`
	ChainID   string `json:"chainId"`
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("custodia-sign", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	keyFile := fs.String("key-file", "", "sender private key file (required)")
	to := fs.String("to", "", "target contract address (required)")
	value := fs.Uint64("value", 0, "call value")
	gas := fs.Uint64("gas", 100_000, "gas limit for the inner call")
	nonce := fs.Uint64("nonce", 0, "sender relay nonce")
	ttl := fs.Duration("ttl", 10*time.Minute, "deadline relative to now")
	chainID := fs.Uint64("chain-id", 0, "EVM chain id (required)")
	dataHex := fs.String("data", "", "hex calldata")

	domainName := fs.String("domain-name", "custodia-relay", "EIP-712 domain name")
	domainVersion := fs.String("domain-version", "1", "EIP-712 domain version")
	relayAddr := fs.String("relay-address", "", "verifying relay address (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keyFile) == "" || *chainID == 0 {
		return fmt.Errorf("key-file and chain-id are required")
	}

	raw, err := os.ReadFile(*keyFile)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	key, err := keys.ParsePrivateKeyHex(string(raw))
	if err != nil {
		return err
	}

	toAddr, err := keys.ParseAddress(*to)
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	verifying, err := keys.ParseAddress(*relayAddr)
	if err != nil {
		return fmt.Errorf("invalid relay address: %w", err)
	}

	var data []byte
	if s := strings.TrimSpace(strings.TrimPrefix(*dataHex, "0x")); s != "" {
		data, err = hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid calldata: %w", err)
		}
	}

	env := envelope.Envelope{
		From:     keys.AddressOf(key),
		To:       toAddr,
		Value:    *value,
		Gas:      *gas,
		Nonce:    *nonce,
		Deadline: uint64(time.Now().Add(*ttl).Unix()),
		ChainID:  *chainID,
		Data:     data,
	}
	domain := envelope.Domain{
		Name:           *domainName,
		Version:        *domainVersion,
		ChainID:        *chainID,
		VerifyingRelay: verifying,
	}
	sig, err := envelope.Sign(key, domain, env)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}

	payload := output{
		From:      env.From.Hex(),
		To:        env.To.Hex(),
		Value:     strconv.FormatUint(env.Value, 10),
		Gas:       strconv.FormatUint(env.Gas, 10),
		Nonce:     strconv.FormatUint(env.Nonce, 10),
		Deadline:  strconv.FormatUint(env.Deadline, 10),
		ChainID:   strconv.FormatUint(env.ChainID, 10),
		Data:      dataField(env.Data),
		Signature: "0x" + hex.EncodeToString(sig),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func dataField(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(data)
}
