package roles

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidRole   = errors.New("roles: invalid role")
	ErrNotAuthorized = errors.New("roles: not authorized")
)

// Role names the capabilities checked at the start of each operation.
// The approval ladder's transition table stays independent of how roles
// are granted; this table is the only source of truth.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleRequester Role = "requester"
	RoleSecretary Role = "secretary"
	RoleCommittee Role = "committee"
	RoleFinance   Role = "finance"
	RoleDirector  Role = "director"
	RoleRelayer   Role = "relayer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleRequester, RoleSecretary, RoleCommittee, RoleFinance, RoleDirector, RoleRelayer:
		return true
	default:
		return false
	}
}

// Table is the capability table: principal -> set of roles.
//
// Grant and Revoke notify the optional churn observer so the circuit breaker
// can trip on rapid administrative role turnover.
type Table struct {
	mu     sync.Mutex
	grants map[common.Address]map[Role]struct{}
	churn  func()
}

func NewTable(churn func()) *Table {
	return &Table{
		grants: make(map[common.Address]map[Role]struct{}),
		churn:  churn,
	}
}

func (t *Table) Grant(principal common.Address, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if principal == (common.Address{}) {
		return fmt.Errorf("%w: zero principal", ErrInvalidRole)
	}

	t.mu.Lock()
	set, ok := t.grants[principal]
	if !ok {
		set = make(map[Role]struct{})
		t.grants[principal] = set
	}
	_, had := set[role]
	set[role] = struct{}{}
	churn := t.churn
	t.mu.Unlock()

	if !had && churn != nil {
		churn()
	}
	return nil
}

func (t *Table) Revoke(principal common.Address, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	t.mu.Lock()
	set, ok := t.grants[principal]
	var had bool
	if ok {
		_, had = set[role]
		delete(set, role)
		if len(set) == 0 {
			delete(t.grants, principal)
		}
	}
	churn := t.churn
	t.mu.Unlock()

	if had && churn != nil {
		churn()
	}
	return nil
}

func (t *Table) Has(principal common.Address, role Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.grants[principal]
	if !ok {
		return false
	}
	_, ok = set[role]
	return ok
}

// HasAny reports whether principal holds at least one of the given roles.
func (t *Table) HasAny(principal common.Address, candidates ...Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.grants[principal]
	if !ok {
		return false
	}
	for _, r := range candidates {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

// Require returns ErrNotAuthorized unless principal holds role.
func (t *Table) Require(principal common.Address, role Role) error {
	if !t.Has(principal, role) {
		return fmt.Errorf("%w: %s lacks role %q", ErrNotAuthorized, principal.Hex(), role)
	}
	return nil
}

// MembersOf lists principals holding role. Order is unspecified.
func (t *Table) MembersOf(role Role) []common.Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []common.Address
	for p, set := range t.grants {
		if _, ok := set[role]; ok {
			out = append(out, p)
		}
	}
	return out
}
