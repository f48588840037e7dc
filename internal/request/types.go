package request

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig                = errors.New("request: invalid config")
	ErrNotFound                     = errors.New("request: not found")
	ErrTooManyRecipients            = errors.New("request: too many recipients")
	ErrArrayLengthMismatch          = errors.New("request: array length mismatch")
	ErrDuplicateRecipient           = errors.New("request: duplicate recipient")
	ErrAmountTooLow                 = errors.New("request: amount too low")
	ErrAmountTooHigh                = errors.New("request: amount too high")
	ErrDescriptionTooLong           = errors.New("request: description too long")
	ErrMissingDescription           = errors.New("request: missing description")
	ErrMissingDocumentHash          = errors.New("request: missing document hash")
	ErrInsufficientAvailableBalance = errors.New("request: insufficient available balance")
	ErrInvalidStatus                = errors.New("request: invalid status for operation")
	ErrApproverReused               = errors.New("request: approver already used on this request")
	ErrAdditionalApprovalsMissing   = errors.New("request: additional committee approvals incomplete")
	ErrWithdrawalNotReady           = errors.New("request: withdrawal not ready")
	ErrNotRequester                 = errors.New("request: caller is not the requester")
	ErrContractClosed               = errors.New("request: contract closed")
	ErrAmountOverflow               = errors.New("request: amount overflow")
)

// AdditionalApproverSeats is the number of distinct extra committee reveals
// required between finance and director approval.
const AdditionalApproverSeats = 3

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusSecretaryApproved
	StatusCommitteeApproved
	StatusFinanceApproved
	StatusPendingWithdrawal
	StatusDistributed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSecretaryApproved:
		return "secretary_approved"
	case StatusCommitteeApproved:
		return "committee_approved"
	case StatusFinanceApproved:
		return "finance_approved"
	case StatusPendingWithdrawal:
		return "pending_withdrawal"
	case StatusDistributed:
		return "distributed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// terminal reports whether no further transitions are possible.
func (s Status) terminal() bool {
	return s == StatusDistributed || s == StatusCancelled
}

// Request is one reimbursement request moving through the approval ladder.
//
// Recipients and Amounts are parallel slices; TotalAmount is their sum and
// is locked against the custodial balance from creation until distribution
// or cancellation.
type Request struct {
	ID           uint64
	Requester    common.Address
	Recipients   []common.Address
	Amounts      []uint64
	TotalAmount  uint64
	Description  string
	DocumentHash common.Hash
	Status       Status

	SecretaryApprover   common.Address
	CommitteeApprover   common.Address
	FinanceApprover     common.Address
	AdditionalApprovers []common.Address
	DirectorApprover    common.Address

	WithdrawalUnlockTime time.Time
	CreatedAt            time.Time

	// Settled counts recipients already paid; SettledAmount is their sum.
	// Both are non-zero only while a distribution that failed part-way
	// awaits a retry of its remaining recipients.
	Settled       int
	SettledAmount uint64
}

// usedApprover reports whether addr already exercised any approval seat on
// this request. Per-step distinctness is the safe default: one principal,
// one ladder step.
func (r *Request) usedApprover(addr common.Address) bool {
	if addr == r.SecretaryApprover || addr == r.CommitteeApprover ||
		addr == r.FinanceApprover || addr == r.DirectorApprover {
		return true
	}
	for _, a := range r.AdditionalApprovers {
		if a == addr {
			return true
		}
	}
	return false
}

func cloneRequest(r Request) Request {
	r.Recipients = append([]common.Address(nil), r.Recipients...)
	r.Amounts = append([]uint64(nil), r.Amounts...)
	r.AdditionalApprovers = append([]common.Address(nil), r.AdditionalApprovers...)
	return r
}
