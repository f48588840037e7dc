package custodyabi

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-fi/custodia/internal/closure"
	"github.com/custodia-fi/custodia/internal/gascredit"
	"github.com/custodia-fi/custodia/internal/relay"
	"github.com/custodia-fi/custodia/internal/request"
)

// Targets assigns a virtual address to each engine. Envelopes addressed to
// one of these are decoded and executed in-process; anything else falls
// through to the next dispatcher.
type Targets struct {
	Custody common.Address
	Closure common.Address
	Credits common.Address
}

// Router decodes whitelisted-target calldata into engine operations. The
// envelope signer becomes the acting party for every role-gated call, so
// requesters and approvers never need gas of their own.
type Router struct {
	targets  Targets
	requests *request.Engine
	closures *closure.Engine
	credits  *gascredit.Ledger
	next     relay.Dispatcher
}

var _ relay.Dispatcher = (*Router)(nil)

// NewRouter builds a dispatcher over the three engines. next handles targets
// the router does not own and may be nil when no chain dispatch is wanted.
func NewRouter(targets Targets, requests *request.Engine, closures *closure.Engine, credits *gascredit.Ledger, next relay.Dispatcher) (*Router, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if requests == nil || closures == nil || credits == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidConfig)
	}
	zero := common.Address{}
	if targets.Custody == zero || targets.Closure == zero || targets.Credits == zero {
		return nil, fmt.Errorf("%w: zero target address", ErrInvalidConfig)
	}
	if targets.Custody == targets.Closure || targets.Custody == targets.Credits || targets.Closure == targets.Credits {
		return nil, fmt.Errorf("%w: duplicate target address", ErrInvalidConfig)
	}
	return &Router{
		targets:  targets,
		requests: requests,
		closures: closures,
		credits:  credits,
		next:     next,
	}, nil
}

// Targets returns the router's virtual addresses, for whitelist bootstrap.
func (r *Router) Targets() Targets { return r.targets }

func (r *Router) owns(addr common.Address) bool {
	return addr == r.targets.Custody || addr == r.targets.Closure || addr == r.targets.Credits
}

func (r *Router) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	if r.owns(addr) {
		return true, nil
	}
	if r.next == nil {
		return false, nil
	}
	return r.next.HasCode(ctx, addr)
}

func (r *Router) Dispatch(ctx context.Context, call relay.Call) ([]byte, error) {
	switch call.To {
	case r.targets.Custody:
		return r.dispatchCustody(ctx, call)
	case r.targets.Closure:
		return r.dispatchClosure(ctx, call)
	case r.targets.Credits:
		return r.dispatchCredits(ctx, call)
	}
	if r.next == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, call.To.Hex())
	}
	return r.next.Dispatch(ctx, call)
}

func (r *Router) dispatchCustody(ctx context.Context, call relay.Call) ([]byte, error) {
	m, args, err := decode(custodyABI, call.Data)
	if err != nil {
		return nil, err
	}
	if err := checkValue(m, call.Value); err != nil {
		return nil, err
	}

	switch m.Name {
	case "depositFunds":
		return nil, r.requests.Deposit(ctx, call.Sender, call.Value)

	case "createRequest":
		req, err := r.requests.Create(ctx, call.Sender,
			args[0].(common.Address), args[1].(uint64), args[2].(string), common.Hash(args[3].([32]byte)))
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(req.ID)

	case "createRequestMultiple":
		req, err := r.requests.CreateMultiple(ctx, call.Sender,
			args[0].([]common.Address), args[1].([]uint64), args[2].(string), common.Hash(args[3].([32]byte)))
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(req.ID)

	case "commitApproval":
		return nil, r.requests.Commit(args[0].(uint64), call.Sender, common.Hash(args[1].([32]byte)))

	case "approveBySecretary":
		return nil, r.requests.ApproveBySecretary(ctx, args[0].(uint64), call.Sender, args[1].(uint64))
	case "approveByCommittee":
		return nil, r.requests.ApproveByCommittee(ctx, args[0].(uint64), call.Sender, args[1].(uint64))
	case "approveByFinance":
		return nil, r.requests.ApproveByFinance(ctx, args[0].(uint64), call.Sender, args[1].(uint64))
	case "approveByCommitteeAdditional":
		return nil, r.requests.ApproveByCommitteeAdditional(ctx, args[0].(uint64), call.Sender, args[1].(uint64))
	case "approveByDirector":
		return nil, r.requests.ApproveByDirector(ctx, args[0].(uint64), call.Sender, args[1].(uint64))

	case "executeDelayedWithdrawal":
		return nil, r.requests.ExecuteDelayedWithdrawal(ctx, args[0].(uint64))
	case "cancelRequest":
		return nil, r.requests.Cancel(ctx, args[0].(uint64), call.Sender)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m.Name)
}

func (r *Router) dispatchClosure(ctx context.Context, call relay.Call) ([]byte, error) {
	m, args, err := decode(closureABI, call.Data)
	if err != nil {
		return nil, err
	}
	if err := checkValue(m, call.Value); err != nil {
		return nil, err
	}

	switch m.Name {
	case "initiateClosure":
		cls, err := r.closures.Initiate(ctx, call.Sender, args[0].(common.Address), args[1].(string))
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(cls.ID)

	case "commitClosureApproval":
		return nil, r.closures.Commit(args[0].(uint64), call.Sender, common.Hash(args[1].([32]byte)))

	case "approveClosureByCommittee":
		return nil, r.closures.ApproveByCommittee(ctx, args[0].(uint64), call.Sender, args[1].(uint64))
	case "approveClosureByDirector":
		return nil, r.closures.ApproveByDirector(ctx, args[0].(uint64), call.Sender, args[1].(uint64))

	case "cancelClosure":
		return nil, r.closures.Cancel(ctx, args[0].(uint64), call.Sender)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m.Name)
}

func (r *Router) dispatchCredits(ctx context.Context, call relay.Call) ([]byte, error) {
	m, args, err := decode(creditsABI, call.Data)
	if err != nil {
		return nil, err
	}
	if err := checkValue(m, call.Value); err != nil {
		return nil, err
	}

	switch m.Name {
	case "depositGasCredit":
		return nil, r.credits.Deposit(ctx, call.Sender, call.Value)

	case "withdrawGasCredit":
		return nil, r.credits.Withdraw(ctx, call.Sender, args[0].(uint64))

	case "updateGasCreditLimits":
		return nil, r.credits.UpdateLimits(ctx, call.Sender, args[0].(common.Address), args[1].(uint64), args[2].(uint64))

	case "requestRefund":
		cost, err := r.credits.RequestRefund(ctx, call.Sender, gascredit.Claim{
			User:     args[0].(common.Address),
			GasUsed:  args[1].(uint64),
			GasPrice: args[2].(uint64),
			TxHash:   common.Hash(args[3].([32]byte)),
		})
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(cost)

	case "batchRequestRefund":
		users := args[0].([]common.Address)
		gasUsed := args[1].([]uint64)
		gasPrices := args[2].([]uint64)
		txHashes := args[3].([][32]byte)
		if len(gasUsed) != len(users) || len(gasPrices) != len(users) || len(txHashes) != len(users) {
			return nil, fmt.Errorf("%w: mismatched batch arrays", ErrBadCalldata)
		}
		claims := make([]gascredit.Claim, len(users))
		for i := range users {
			claims[i] = gascredit.Claim{
				User:     users[i],
				GasUsed:  gasUsed[i],
				GasPrice: gasPrices[i],
				TxHash:   common.Hash(txHashes[i]),
			}
		}
		results, err := r.credits.BatchRequestRefund(ctx, call.Sender, claims)
		if err != nil {
			return nil, err
		}
		var paid uint64
		for _, res := range results {
			paid += res.Cost
		}
		return m.Outputs.Pack(paid)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m.Name)
}

func decode(a abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBadCalldata, len(data))
	}
	m, err := a.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: selector 0x%x", ErrUnknownMethod, data[:4])
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrBadCalldata, m.Name, err)
	}
	return m, args, nil
}

func checkValue(m *abi.Method, value uint64) error {
	if value != 0 && !m.IsPayable() {
		return fmt.Errorf("%w: %s", ErrValueRejected, m.Name)
	}
	return nil
}
