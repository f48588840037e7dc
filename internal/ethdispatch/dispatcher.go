// Package ethdispatch broadcasts verified meta-transaction calls on-chain
// from the sponsoring relayer account. The original sender is appended to the
// calldata ERC-2771 style so targets can recover the logical caller.
package ethdispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/custodia-fi/custodia/internal/relay"
	"github.com/custodia-fi/custodia/internal/token"
)

var (
	ErrInvalidConfig = errors.New("ethdispatch: invalid config")
	ErrTxReverted    = errors.New("ethdispatch: transaction reverted")
)

type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	ChainID *big.Int

	// MinTipCap floors the priority fee. feeCap = 2*baseFee + tipCap.
	MinTipCap *big.Int

	ReceiptPollInterval time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher implements relay.Dispatcher over an EVM backend with a single
// sponsoring account. Chain nonces are allocated locally and never wound
// back, so concurrent dispatches cannot reuse one.
type Dispatcher struct {
	backend Backend
	signer  Signer
	cfg     Config

	mu        sync.Mutex
	nextNonce uint64
	haveNonce bool
}

var (
	_ relay.Dispatcher      = (*Dispatcher)(nil)
	_ token.ContractBackend = (*Dispatcher)(nil)
)

func New(backend Backend, signer Signer, cfg Config) (*Dispatcher, error) {
	if backend == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil backend or signer", ErrInvalidConfig)
	}
	if signer.Address() == (common.Address{}) {
		return nil, fmt.Errorf("%w: signer has zero address", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad chain id", ErrInvalidConfig)
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: bad min tip cap", ErrInvalidConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Dispatcher{backend: backend, signer: signer, cfg: cfg}, nil
}

func (d *Dispatcher) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("ethdispatch: code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, call relay.Call) ([]byte, error) {
	h, err := d.send(ctx, call.To, new(big.Int).SetUint64(call.Value), call.Gas, withForwardedSender(call.Data, call.Sender))
	if err != nil {
		return nil, err
	}
	return h.Bytes(), nil
}

// tokenTransferGasLimit covers an ERC-20 transfer with slack.
const tokenTransferGasLimit = 120_000

// CallContract and SendAndWaitMined let the dispatcher serve as the contract
// backend for custodial token payouts.
func (d *Dispatcher) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	from := d.signer.Address()
	return d.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
}

func (d *Dispatcher) SendAndWaitMined(ctx context.Context, to common.Address, data []byte) error {
	_, err := d.send(ctx, to, big.NewInt(0), tokenTransferGasLimit, data)
	return err
}

func (d *Dispatcher) send(ctx context.Context, to common.Address, value *big.Int, gas uint64, data []byte) (common.Hash, error) {
	tip, feeCap, err := d.fees(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := d.allocNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := d.signer.SignTx(tx, d.cfg.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ethdispatch: sign tx: %w", err)
	}
	if err := d.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("ethdispatch: send tx: %w", err)
	}

	receipt, err := d.waitMined(ctx, signed.Hash())
	if err != nil {
		return common.Hash{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("%w: tx %s", ErrTxReverted, signed.Hash().Hex())
	}
	return signed.Hash(), nil
}

// withForwardedSender appends the 20-byte original sender to the calldata,
// the ERC-2771 trusted-forwarder convention.
func withForwardedSender(data []byte, sender common.Address) []byte {
	out := make([]byte, 0, len(data)+common.AddressLength)
	out = append(out, data...)
	return append(out, sender.Bytes()...)
}

func (d *Dispatcher) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	suggested, err := d.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ethdispatch: suggest tip: %w", err)
	}
	header, err := d.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ethdispatch: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, nil, fmt.Errorf("ethdispatch: missing baseFee in latest header")
	}

	tip = new(big.Int).Set(suggested)
	if tip.Cmp(d.cfg.MinTipCap) < 0 {
		tip.Set(d.cfg.MinTipCap)
	}
	feeCap = new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

func (d *Dispatcher) allocNonce(ctx context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.haveNonce {
		n, err := d.backend.PendingNonceAt(ctx, d.signer.Address())
		if err != nil {
			return 0, fmt.Errorf("ethdispatch: pending nonce: %w", err)
		}
		d.nextNonce = n
		d.haveNonce = true
	}
	n := d.nextNonce
	d.nextNonce++
	return n, nil
}

func (d *Dispatcher) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := d.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("ethdispatch: receipt %s: %w", txHash.Hex(), err)
		}
		if err := d.cfg.Sleep(ctx, d.cfg.ReceiptPollInterval); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
