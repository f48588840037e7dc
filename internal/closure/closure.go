// Package closure implements the emergency closure workflow: a parallel
// state machine that can drain and permanently freeze the custodial engine
// regardless of pending reimbursement requests.
package closure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-fi/custodia/internal/commitreveal"
	"github.com/custodia-fi/custodia/internal/events"
	"github.com/custodia-fi/custodia/internal/idempotency"
	"github.com/custodia-fi/custodia/internal/roles"
)

var (
	ErrInvalidConfig          = errors.New("closure: invalid config")
	ErrNotFound               = errors.New("closure: not found")
	ErrActiveClosureExists    = errors.New("closure: active closure exists")
	ErrInvalidStatus          = errors.New("closure: invalid status for operation")
	ErrApproverReused         = errors.New("closure: approver already used on this closure")
	ErrMissingReason          = errors.New("closure: missing reason")
	ErrApprovalsIncomplete    = errors.New("closure: committee approvals incomplete")
	ErrNotInitiatorOrDirector = errors.New("closure: caller may not cancel")
)

// RequiredCommitteeApprovals is the distinct committee reveal quorum that
// moves a closure to FullyApproved.
const RequiredCommitteeApprovals = 3

type Status uint8

const (
	StatusUnknown Status = iota
	StatusInitiated
	StatusPartiallyApproved
	StatusFullyApproved
	StatusExecuted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusInitiated:
		return "initiated"
	case StatusPartiallyApproved:
		return "partially_approved"
	case StatusFullyApproved:
		return "fully_approved"
	case StatusExecuted:
		return "executed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s Status) terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Closure is one emergency closure request. At most one non-terminal closure
// exists at a time.
type Closure struct {
	ID            uint64
	Initiator     common.Address
	ReturnAddress common.Address
	Reason        string
	Status        Status

	CommitteeApprovers []common.Address
	DirectorApprover   common.Address

	InitiatedAt   time.Time
	DrainedAmount uint64
}

func cloneClosure(c Closure) Closure {
	c.CommitteeApprovers = append([]common.Address(nil), c.CommitteeApprovers...)
	return c
}

// Custody is the slice of the request engine a closure needs: the executed
// closure drains the full balance and freezes everything behind it.
type Custody interface {
	CloseOut(ctx context.Context, returnAddr common.Address) (uint64, error)
}

type Config struct {
	// DomainID must match the request engine's so commitment digests stay
	// deployment-scoped.
	DomainID uint64

	// RevealWindow is the commit-reveal delay. Defaults to 30m.
	RevealWindow time.Duration

	Now func() time.Time
}

// Engine runs emergency closures. It takes precedence over the reimbursement
// ladder: executing a closure does not wait for pending requests.
type Engine struct {
	cfg     Config
	roles   *roles.Table
	custody Custody
	store   Store
	emitter *events.Emitter
	book    *commitreveal.Book

	mu       sync.Mutex
	closures map[uint64]*Closure
	nextID   uint64
	activeID uint64
}

func NewEngine(cfg Config, tbl *roles.Table, custody Custody, store Store, emitter *events.Emitter) (*Engine, error) {
	if tbl == nil || custody == nil {
		return nil, fmt.Errorf("%w: nil roles or custody", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		roles:    tbl,
		custody:  custody,
		store:    store,
		emitter:  emitter,
		book:     commitreveal.NewBook(cfg.DomainID, cfg.RevealWindow, cfg.Now),
		closures: make(map[uint64]*Closure),
		nextID:   1,
	}, nil
}

// Restore loads persisted closures. Call once before serving traffic.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	closures, err := e.store.LoadClosures(ctx)
	if err != nil {
		return fmt.Errorf("closure: restore: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.closures = make(map[uint64]*Closure, len(closures))
	e.nextID = 1
	e.activeID = 0
	for i := range closures {
		c := cloneClosure(closures[i])
		e.closures[c.ID] = &c
		if c.ID >= e.nextID {
			e.nextID = c.ID + 1
		}
		if !c.Status.terminal() {
			e.activeID = c.ID
		}
	}
	return nil
}

// SubjectID returns the commit-reveal subject for a closure id. It is
// disjoint from request subjects by construction.
func SubjectID(closureID uint64) common.Hash {
	return common.Hash(idempotency.ClosureSubjectIDV1(closureID))
}

// Initiate opens a closure. Any committee member or the director may
// initiate, provided no other closure is live.
func (e *Engine) Initiate(ctx context.Context, initiator, returnAddress common.Address, reason string) (Closure, error) {
	if !e.roles.HasAny(initiator, roles.RoleCommittee, roles.RoleDirector) {
		return Closure{}, fmt.Errorf("%w: %s may not initiate closure", roles.ErrNotAuthorized, initiator.Hex())
	}
	if returnAddress == (common.Address{}) {
		return Closure{}, fmt.Errorf("%w: zero return address", ErrInvalidConfig)
	}
	if reason == "" {
		return Closure{}, ErrMissingReason
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeID != 0 {
		return Closure{}, fmt.Errorf("%w: closure %d", ErrActiveClosureExists, e.activeID)
	}

	c := Closure{
		ID:            e.nextID,
		Initiator:     initiator,
		ReturnAddress: returnAddress,
		Reason:        reason,
		Status:        StatusInitiated,
		InitiatedAt:   e.cfg.Now().UTC(),
	}
	if err := e.persistClosure(ctx, c); err != nil {
		return Closure{}, err
	}
	e.nextID++
	stored := cloneClosure(c)
	e.closures[c.ID] = &stored
	e.activeID = c.ID

	e.emit(ctx, events.Event{
		Kind:      events.KindClosureInitiated,
		Actor:     initiator.Hex(),
		ClosureID: c.ID,
		Recipient: returnAddress.Hex(),
		Status:    c.Status.String(),
		Detail:    reason,
	})
	return c, nil
}

// Commit stores an approver's commitment against the live closure.
func (e *Engine) Commit(closureID uint64, approver common.Address, hash common.Hash) error {
	e.mu.Lock()
	c, ok := e.closures[closureID]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if c.Status.terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
	}
	e.mu.Unlock()

	e.book.Commit(SubjectID(closureID), approver, hash)
	return nil
}

// ApproveByCommittee records one distinct committee reveal. The third reveal
// moves the closure to FullyApproved.
func (e *Engine) ApproveByCommittee(ctx context.Context, closureID uint64, approver common.Address, nonce uint64) error {
	if err := e.roles.Require(approver, roles.RoleCommittee); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.closures[closureID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusInitiated && c.Status != StatusPartiallyApproved {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
	}
	if c.usedApprover(approver) {
		return ErrApproverReused
	}
	if err := e.book.Reveal(SubjectID(closureID), approver, nonce); err != nil {
		return err
	}

	next := cloneClosure(*c)
	next.CommitteeApprovers = append(next.CommitteeApprovers, approver)
	if len(next.CommitteeApprovers) >= RequiredCommitteeApprovals {
		next.Status = StatusFullyApproved
	} else {
		next.Status = StatusPartiallyApproved
	}
	if err := e.persistClosure(ctx, next); err != nil {
		return err
	}
	*c = next

	e.emit(ctx, events.Event{
		Kind:      events.KindClosureApproved,
		Actor:     approver.Hex(),
		ClosureID: closureID,
		Status:    c.Status.String(),
	})
	return nil
}

// ApproveByDirector executes a fully approved closure: the custodial balance
// drains to the return address and the engine behind it freezes permanently.
func (e *Engine) ApproveByDirector(ctx context.Context, closureID uint64, approver common.Address, nonce uint64) error {
	if err := e.roles.Require(approver, roles.RoleDirector); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.closures[closureID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusFullyApproved {
		if c.Status == StatusInitiated || c.Status == StatusPartiallyApproved {
			return fmt.Errorf("%w: have %d of %d", ErrApprovalsIncomplete, len(c.CommitteeApprovers), RequiredCommitteeApprovals)
		}
		return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
	}
	if c.usedApprover(approver) {
		return ErrApproverReused
	}
	if err := e.book.Reveal(SubjectID(closureID), approver, nonce); err != nil {
		return err
	}

	drained, err := e.custody.CloseOut(ctx, c.ReturnAddress)
	if err != nil {
		return fmt.Errorf("closure: execute: %w", err)
	}

	c.DirectorApprover = approver
	c.Status = StatusExecuted
	c.DrainedAmount = drained
	e.activeID = 0

	// The drain already happened, so the executed state stays applied in
	// memory even when the save fails.
	if err := e.persistClosure(ctx, *c); err != nil {
		return err
	}

	e.emit(ctx, events.Event{
		Kind:      events.KindClosureExecuted,
		Actor:     approver.Hex(),
		ClosureID: closureID,
		Amount:    drained,
		Recipient: c.ReturnAddress.Hex(),
		Status:    c.Status.String(),
	})
	return nil
}

// Cancel abandons a closure before execution, resuming normal operation.
// Only the initiator or a director may cancel.
func (e *Engine) Cancel(ctx context.Context, closureID uint64, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.closures[closureID]
	if !ok {
		return ErrNotFound
	}
	if c.Status.terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
	}
	if caller != c.Initiator && !e.roles.Has(caller, roles.RoleDirector) {
		return ErrNotInitiatorOrDirector
	}

	next := cloneClosure(*c)
	next.Status = StatusCancelled
	if err := e.persistClosure(ctx, next); err != nil {
		return err
	}
	*c = next
	e.activeID = 0
	for _, a := range c.CommitteeApprovers {
		e.book.Drop(SubjectID(closureID), a)
	}

	e.emit(ctx, events.Event{
		Kind:      events.KindClosureCancelled,
		Actor:     caller.Hex(),
		ClosureID: closureID,
		Status:    c.Status.String(),
	})
	return nil
}

// Get returns a copy of the closure.
func (e *Engine) Get(closureID uint64) (Closure, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.closures[closureID]
	if !ok {
		return Closure{}, ErrNotFound
	}
	return cloneClosure(*c), nil
}

// Active returns the live closure, if any.
func (e *Engine) Active() (Closure, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeID == 0 {
		return Closure{}, false
	}
	return cloneClosure(*e.closures[e.activeID]), true
}

func (c *Closure) usedApprover(addr common.Address) bool {
	if addr == c.DirectorApprover && addr != (common.Address{}) {
		return true
	}
	for _, a := range c.CommitteeApprovers {
		if a == addr {
			return true
		}
	}
	return false
}

func (e *Engine) persistClosure(ctx context.Context, c Closure) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveClosure(ctx, c); err != nil {
		return fmt.Errorf("closure: persist closure %d: %w", c.ID, err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	_ = e.emitter.Emit(ctx, ev)
}
