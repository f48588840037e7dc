package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig       = errors.New("token: invalid config")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
)

// Ledger is the fungible balance collaborator the custody engine pays out
// through. Transfer moves funds out of the custodial account; Collect pulls
// funds in from a depositor, so nothing is ever credited that was not
// actually received.
type Ledger interface {
	Transfer(ctx context.Context, to common.Address, amount uint64) error
	Collect(ctx context.Context, from common.Address, amount uint64) error
	Balance(ctx context.Context) (uint64, error)
}

// MemoryLedger is an in-process Ledger for tests and local development. It
// models external token holders alongside the custodial account, so Collect
// fails for a depositor that does not actually hold the amount.
type MemoryLedger struct {
	mu        sync.Mutex
	custodial uint64
	external  map[common.Address]uint64
	credited  map[common.Address]uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		external: make(map[common.Address]uint64),
		credited: make(map[common.Address]uint64),
	}
}

// Fund credits the custodial account, standing in for sponsor deposits.
func (l *MemoryLedger) Fund(amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.custodial += amount
}

// Mint gives an external holder tokens to deposit from. Test helper.
func (l *MemoryLedger) Mint(addr common.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.external[addr] += amount
}

func (l *MemoryLedger) Transfer(_ context.Context, to common.Address, amount uint64) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: zero recipient", ErrInvalidConfig)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if amount > l.custodial {
		return fmt.Errorf("%w: have %d want %d", ErrInsufficientBalance, l.custodial, amount)
	}
	l.custodial -= amount
	l.external[to] += amount
	l.credited[to] += amount
	return nil
}

func (l *MemoryLedger) Collect(_ context.Context, from common.Address, amount uint64) error {
	if from == (common.Address{}) {
		return fmt.Errorf("%w: zero depositor", ErrInvalidConfig)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if amount > l.external[from] {
		return fmt.Errorf("%w: %s holds %d, want %d", ErrInsufficientBalance, from.Hex(), l.external[from], amount)
	}
	l.external[from] -= amount
	l.custodial += amount
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.custodial, nil
}

var _ Ledger = (*MemoryLedger)(nil)

// CreditedTo reports cumulative transfers to an address. Test helper.
func (l *MemoryLedger) CreditedTo(addr common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credited[addr]
}
