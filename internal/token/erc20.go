package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrCallReverted = errors.New("token: contract call reverted")

var _ Ledger = (*ERC20Ledger)(nil)

const erc20ABIJSON = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	erc20ABIOnce sync.Once
	erc20ABI     abi.ABI
	erc20ABIErr  error
)

func loadERC20ABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

// ContractBackend is the narrow surface ERC20Ledger needs. Sends must come
// back only after the transaction is mined; read calls execute immediately.
type ContractBackend interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SendAndWaitMined(ctx context.Context, to common.Address, data []byte) error
}

// ERC20Ledger is the production Ledger: the custodial balance lives in an
// ERC-20 token contract and payouts are token transfers signed by the
// custodian key behind the backend.
type ERC20Ledger struct {
	backend   ContractBackend
	token     common.Address
	custodian common.Address
	abi       abi.ABI
}

func NewERC20Ledger(backend ContractBackend, tokenAddr, custodian common.Address) (*ERC20Ledger, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if tokenAddr == (common.Address{}) || custodian == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero token or custodian address", ErrInvalidConfig)
	}
	parsed, err := loadERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("token: parse erc20 abi: %w", err)
	}
	return &ERC20Ledger{
		backend:   backend,
		token:     tokenAddr,
		custodian: custodian,
		abi:       parsed,
	}, nil
}

func (l *ERC20Ledger) Transfer(ctx context.Context, to common.Address, amount uint64) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: zero recipient", ErrInvalidConfig)
	}
	data, err := l.abi.Pack("transfer", to, new(big.Int).SetUint64(amount))
	if err != nil {
		return fmt.Errorf("token: pack transfer: %w", err)
	}
	if err := l.backend.SendAndWaitMined(ctx, l.token, data); err != nil {
		return fmt.Errorf("%w: transfer %d to %s: %v", ErrCallReverted, amount, to.Hex(), err)
	}
	return nil
}

// Collect pulls a deposit from its owner into the custodial account via
// transferFrom; the owner must have approved the custodian beforehand. The
// reverted send surfaces as an error, so nothing is credited on a deposit
// that did not land.
func (l *ERC20Ledger) Collect(ctx context.Context, from common.Address, amount uint64) error {
	if from == (common.Address{}) {
		return fmt.Errorf("%w: zero depositor", ErrInvalidConfig)
	}
	data, err := l.abi.Pack("transferFrom", from, l.custodian, new(big.Int).SetUint64(amount))
	if err != nil {
		return fmt.Errorf("token: pack transferFrom: %w", err)
	}
	if err := l.backend.SendAndWaitMined(ctx, l.token, data); err != nil {
		return fmt.Errorf("%w: collect %d from %s: %v", ErrCallReverted, amount, from.Hex(), err)
	}
	return nil
}

func (l *ERC20Ledger) Balance(ctx context.Context) (uint64, error) {
	data, err := l.abi.Pack("balanceOf", l.custodian)
	if err != nil {
		return 0, fmt.Errorf("token: pack balanceOf: %w", err)
	}
	out, err := l.backend.CallContract(ctx, l.token, data)
	if err != nil {
		return 0, fmt.Errorf("token: balanceOf call: %w", err)
	}
	vals, err := l.abi.Unpack("balanceOf", out)
	if err != nil {
		return 0, fmt.Errorf("token: unpack balanceOf: %w", err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("token: unexpected balanceOf output arity %d", len(vals))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("token: unexpected balanceOf output type %T", vals[0])
	}
	if !bal.IsUint64() {
		return 0, fmt.Errorf("token: balance exceeds uint64 scaffold range")
	}
	return bal.Uint64(), nil
}
