package request

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-fi/custodia/internal/breaker"
	"github.com/custodia-fi/custodia/internal/commitreveal"
	"github.com/custodia-fi/custodia/internal/events"
	"github.com/custodia-fi/custodia/internal/idempotency"
	"github.com/custodia-fi/custodia/internal/roles"
	"github.com/custodia-fi/custodia/internal/token"
)

type Config struct {
	// DomainID separates this deployment's commitment digests from every
	// other deployment's.
	DomainID uint64

	// MinAmount/MaxAmount bound each per-recipient amount.
	MinAmount uint64
	MaxAmount uint64

	// MaxRecipients caps recipients per request. Defaults to 10.
	MaxRecipients int

	// MaxDescriptionLen bounds the free-text description. Defaults to 512.
	MaxDescriptionLen int

	// MediumThreshold and LargeThreshold are the delay tier boundaries:
	// totals below MediumThreshold distribute immediately on the
	// director's reveal, totals in [MediumThreshold, LargeThreshold) wait
	// MediumDelay, totals at or above LargeThreshold wait LargeDelay.
	MediumThreshold uint64
	LargeThreshold  uint64
	MediumDelay     time.Duration
	LargeDelay      time.Duration

	// RevealWindow is the commit-reveal delay. Defaults to 30m.
	RevealWindow time.Duration

	Now func() time.Time
}

const (
	defaultMaxRecipients     = 10
	defaultMaxDescriptionLen = 512
	DefaultMediumDelay       = 12 * time.Hour
	DefaultLargeDelay        = 24 * time.Hour
)

// Engine owns reimbursement requests, the custodial balance sheet, and the
// five-tier approval ladder. Every approval is a reveal of a prior commit.
//
// All operations are atomic: they validate fully, then mutate under one
// mutex hold; a failed operation leaves no partial state.
type Engine struct {
	cfg     Config
	roles   *roles.Table
	breaker *breaker.Breaker
	ledger  token.Ledger
	store   Store
	emitter *events.Emitter
	book    *commitreveal.Book

	mu           sync.Mutex
	requests     map[uint64]*Request
	nextID       uint64
	totalBalance uint64
	lockedAmount uint64
	closed       bool
}

func NewEngine(cfg Config, tbl *roles.Table, brk *breaker.Breaker, ledger token.Ledger, store Store, emitter *events.Emitter) (*Engine, error) {
	if tbl == nil || brk == nil || ledger == nil {
		return nil, fmt.Errorf("%w: nil roles, breaker, or ledger", ErrInvalidConfig)
	}
	if cfg.MaxAmount == 0 || cfg.MaxAmount < cfg.MinAmount {
		return nil, fmt.Errorf("%w: bad amount bounds", ErrInvalidConfig)
	}
	if cfg.MediumThreshold == 0 || cfg.LargeThreshold < cfg.MediumThreshold {
		return nil, fmt.Errorf("%w: bad delay tier thresholds", ErrInvalidConfig)
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = defaultMaxRecipients
	}
	if cfg.MaxDescriptionLen <= 0 {
		cfg.MaxDescriptionLen = defaultMaxDescriptionLen
	}
	if cfg.MediumDelay <= 0 {
		cfg.MediumDelay = DefaultMediumDelay
	}
	if cfg.LargeDelay <= 0 {
		cfg.LargeDelay = DefaultLargeDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		cfg:      cfg,
		roles:    tbl,
		breaker:  brk,
		ledger:   ledger,
		store:    store,
		emitter:  emitter,
		book:     commitreveal.NewBook(cfg.DomainID, cfg.RevealWindow, cfg.Now),
		requests: make(map[uint64]*Request),
		nextID:   1,
	}, nil
}

// Restore loads persisted state. Call once before serving traffic.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("request: restore: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = make(map[uint64]*Request, len(snap.Requests))
	e.nextID = 1
	for i := range snap.Requests {
		r := cloneRequest(snap.Requests[i])
		e.requests[r.ID] = &r
		if r.ID >= e.nextID {
			e.nextID = r.ID + 1
		}
	}
	e.totalBalance = snap.Accounting.TotalBalance
	e.lockedAmount = snap.Accounting.LockedAmount
	e.closed = snap.Accounting.Closed
	return nil
}

// Deposit pulls sponsor funding into custody and adds it to the balance
// sheet. The balance sheet only ever grows by what the ledger actually
// collected.
func (e *Engine) Deposit(ctx context.Context, sponsor common.Address, amount uint64) error {
	if sponsor == (common.Address{}) || amount == 0 {
		return fmt.Errorf("%w: zero sponsor or deposit", ErrInvalidConfig)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrContractClosed
	}
	if amount > math.MaxUint64-e.totalBalance {
		return ErrAmountOverflow
	}
	if err := e.ledger.Collect(ctx, sponsor, amount); err != nil {
		return fmt.Errorf("request: deposit collection: %w", err)
	}
	next := e.accounting()
	next.TotalBalance += amount
	if err := e.persistAccounting(ctx, next); err != nil {
		return err
	}
	e.totalBalance = next.TotalBalance
	return nil
}

// Balances returns (total, locked, available).
func (e *Engine) Balances() (uint64, uint64, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalBalance, e.lockedAmount, e.totalBalance - e.lockedAmount
}

// Frozen reports whether an executed emergency closure shut the engine down.
func (e *Engine) Frozen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Create submits a single-recipient reimbursement request.
func (e *Engine) Create(ctx context.Context, requester, recipient common.Address, amount uint64, description string, documentHash common.Hash) (Request, error) {
	return e.CreateMultiple(ctx, requester, []common.Address{recipient}, []uint64{amount}, description, documentHash)
}

// CreateMultiple submits a reimbursement request for up to MaxRecipients
// distinct recipients. The total amount is locked against the custodial
// balance immediately, not on final approval.
func (e *Engine) CreateMultiple(ctx context.Context, requester common.Address, recipients []common.Address, amounts []uint64, description string, documentHash common.Hash) (Request, error) {
	if err := e.roles.Require(requester, roles.RoleRequester); err != nil {
		return Request{}, err
	}
	if len(recipients) == 0 || len(recipients) > e.cfg.MaxRecipients {
		return Request{}, fmt.Errorf("%w: %d", ErrTooManyRecipients, len(recipients))
	}
	if len(recipients) != len(amounts) {
		return Request{}, fmt.Errorf("%w: %d recipients, %d amounts", ErrArrayLengthMismatch, len(recipients), len(amounts))
	}
	if description == "" {
		return Request{}, ErrMissingDescription
	}
	if len(description) > e.cfg.MaxDescriptionLen {
		return Request{}, fmt.Errorf("%w: %d > %d", ErrDescriptionTooLong, len(description), e.cfg.MaxDescriptionLen)
	}
	if documentHash == (common.Hash{}) {
		return Request{}, ErrMissingDocumentHash
	}

	var total uint64
	seen := make(map[common.Address]struct{}, len(recipients))
	for i, rcpt := range recipients {
		if rcpt == (common.Address{}) {
			return Request{}, fmt.Errorf("%w: zero recipient at index %d", ErrInvalidConfig, i)
		}
		if _, dup := seen[rcpt]; dup {
			return Request{}, fmt.Errorf("%w: %s", ErrDuplicateRecipient, rcpt.Hex())
		}
		seen[rcpt] = struct{}{}

		amt := amounts[i]
		if amt < e.cfg.MinAmount {
			return Request{}, fmt.Errorf("%w: %d < %d at index %d", ErrAmountTooLow, amt, e.cfg.MinAmount, i)
		}
		if amt > e.cfg.MaxAmount {
			return Request{}, fmt.Errorf("%w: %d > %d at index %d", ErrAmountTooHigh, amt, e.cfg.MaxAmount, i)
		}
		if amt > math.MaxUint64-total {
			return Request{}, ErrAmountOverflow
		}
		total += amt
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Request{}, ErrContractClosed
	}
	if total > e.totalBalance-e.lockedAmount {
		return Request{}, fmt.Errorf("%w: need %d, available %d", ErrInsufficientAvailableBalance, total, e.totalBalance-e.lockedAmount)
	}
	if err := e.breaker.Allow(total); err != nil {
		return Request{}, err
	}

	r := Request{
		ID:           e.nextID,
		Requester:    requester,
		Recipients:   append([]common.Address(nil), recipients...),
		Amounts:      append([]uint64(nil), amounts...),
		TotalAmount:  total,
		Description:  description,
		DocumentHash: documentHash,
		Status:       StatusPending,
		CreatedAt:    e.cfg.Now().UTC(),
	}

	next := e.accounting()
	next.LockedAmount += total
	if err := e.persistRequest(ctx, r, next); err != nil {
		e.breaker.Release(total)
		return Request{}, err
	}

	e.nextID++
	e.lockedAmount = next.LockedAmount
	stored := cloneRequest(r)
	e.requests[r.ID] = &stored

	e.emit(ctx, events.Event{
		Kind:      events.KindRequestCreated,
		Actor:     requester.Hex(),
		RequestID: r.ID,
		Amount:    total,
		Status:    r.Status.String(),
	})
	return r, nil
}

// SubjectID returns the commit-reveal subject for a request id.
func SubjectID(requestID uint64) common.Hash {
	return common.Hash(idempotency.RequestSubjectIDV1(requestID))
}

// Commit stores an approver's commitment for a pending approval step. Role
// checks happen at reveal time; the commit itself deliberately reveals
// nothing about who is allowed to do what.
func (e *Engine) Commit(requestID uint64, approver common.Address, hash common.Hash) error {
	e.mu.Lock()
	r, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if e.closed || r.Status.terminal() {
		e.mu.Unlock()
		if e.closed {
			return ErrContractClosed
		}
		return fmt.Errorf("%w: %s", ErrInvalidStatus, r.Status)
	}
	e.mu.Unlock()

	e.book.Commit(SubjectID(requestID), approver, hash)
	return nil
}

// ApproveBySecretary advances Pending -> SecretaryApproved.
func (e *Engine) ApproveBySecretary(ctx context.Context, requestID uint64, approver common.Address, nonce uint64) error {
	return e.approveStep(ctx, requestID, approver, nonce, roles.RoleSecretary, StatusPending, StatusSecretaryApproved, func(r *Request) {
		r.SecretaryApprover = approver
	})
}

// ApproveByCommittee advances SecretaryApproved -> CommitteeApproved.
func (e *Engine) ApproveByCommittee(ctx context.Context, requestID uint64, approver common.Address, nonce uint64) error {
	return e.approveStep(ctx, requestID, approver, nonce, roles.RoleCommittee, StatusSecretaryApproved, StatusCommitteeApproved, func(r *Request) {
		r.CommitteeApprover = approver
	})
}

// ApproveByFinance advances CommitteeApproved -> FinanceApproved.
func (e *Engine) ApproveByFinance(ctx context.Context, requestID uint64, approver common.Address, nonce uint64) error {
	return e.approveStep(ctx, requestID, approver, nonce, roles.RoleFinance, StatusCommitteeApproved, StatusFinanceApproved, func(r *Request) {
		r.FinanceApprover = approver
	})
}

// ApproveByCommitteeAdditional records one of the three distinct extra
// committee reveals required while the request sits at FinanceApproved.
func (e *Engine) ApproveByCommitteeAdditional(ctx context.Context, requestID uint64, approver common.Address, nonce uint64) error {
	return e.approveStep(ctx, requestID, approver, nonce, roles.RoleCommittee, StatusFinanceApproved, StatusFinanceApproved, func(r *Request) {
		r.AdditionalApprovers = append(r.AdditionalApprovers, approver)
	})
}

func (e *Engine) approveStep(ctx context.Context, requestID uint64, approver common.Address, nonce uint64, role roles.Role, from, to Status, record func(*Request)) error {
	if err := e.roles.Require(approver, role); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrContractClosed
	}
	r, ok := e.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidStatus, r.Status, from)
	}
	if from == to && len(r.AdditionalApprovers) >= AdditionalApproverSeats {
		return fmt.Errorf("%w: all %d additional seats filled", ErrInvalidStatus, AdditionalApproverSeats)
	}
	if r.usedApprover(approver) {
		return ErrApproverReused
	}
	if err := e.book.Reveal(SubjectID(requestID), approver, nonce); err != nil {
		return err
	}

	next := cloneRequest(*r)
	next.Status = to
	record(&next)
	if err := e.persistRequest(ctx, next, e.accounting()); err != nil {
		return err
	}
	*r = next

	e.emit(ctx, events.Event{
		Kind:      events.KindRequestApproved,
		Actor:     approver.Hex(),
		RequestID: requestID,
		Status:    r.Status.String(),
		Detail:    string(role),
	})
	return nil
}

// ApproveByDirector is the final reveal. Below the medium threshold the
// request distributes immediately; otherwise it queues behind the
// amount-tiered withdrawal delay.
func (e *Engine) ApproveByDirector(ctx context.Context, requestID uint64, approver common.Address, nonce uint64) error {
	if err := e.roles.Require(approver, roles.RoleDirector); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrContractClosed
	}
	r, ok := e.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusFinanceApproved {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidStatus, r.Status, StatusFinanceApproved)
	}
	if len(r.AdditionalApprovers) < AdditionalApproverSeats {
		return fmt.Errorf("%w: have %d of %d", ErrAdditionalApprovalsMissing, len(r.AdditionalApprovers), AdditionalApproverSeats)
	}
	if r.usedApprover(approver) {
		return ErrApproverReused
	}

	immediate := r.TotalAmount < e.cfg.MediumThreshold
	if immediate {
		// Distribution is withdrawal execution, so the breaker applies
		// here as well as at creation. The reservation is returned if
		// anything after it fails; a premature reveal must not eat into
		// the daily volume.
		if err := e.breaker.Allow(r.TotalAmount); err != nil {
			return err
		}
	}

	if err := e.book.Reveal(SubjectID(requestID), approver, nonce); err != nil {
		if immediate {
			e.breaker.Release(r.TotalAmount)
		}
		return err
	}

	next := cloneRequest(*r)
	next.DirectorApprover = approver

	if immediate {
		if err := e.payOut(ctx, &next); err != nil {
			e.breaker.Release(r.TotalAmount - next.SettledAmount)
			return err
		}
		e.emit(ctx, events.Event{
			Kind:      events.KindRequestDistributed,
			Actor:     approver.Hex(),
			RequestID: requestID,
			Amount:    next.TotalAmount,
			Status:    next.Status.String(),
		})
		return nil
	}

	next.Status = StatusPendingWithdrawal
	next.WithdrawalUnlockTime = e.cfg.Now().UTC().Add(e.delayFor(next.TotalAmount))
	if err := e.persistRequest(ctx, next, e.accounting()); err != nil {
		return err
	}
	*r = next

	e.emit(ctx, events.Event{
		Kind:      events.KindRequestQueued,
		Actor:     approver.Hex(),
		RequestID: requestID,
		Amount:    r.TotalAmount,
		Status:    r.Status.String(),
		Detail:    r.WithdrawalUnlockTime.Format(time.RFC3339),
	})
	return nil
}

// ExecuteDelayedWithdrawal performs a queued distribution once the unlock
// time has passed. Callable by anyone.
func (e *Engine) ExecuteDelayedWithdrawal(ctx context.Context, requestID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrContractClosed
	}
	r, ok := e.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusPendingWithdrawal {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidStatus, r.Status, StatusPendingWithdrawal)
	}
	if e.cfg.Now().UTC().Before(r.WithdrawalUnlockTime) {
		return fmt.Errorf("%w: unlocks at %s", ErrWithdrawalNotReady, r.WithdrawalUnlockTime.Format(time.RFC3339))
	}
	// Only the unsettled remainder counts against the daily volume; a
	// retried partial distribution already reserved what actually went out.
	remaining := r.TotalAmount - r.SettledAmount
	if err := e.breaker.Allow(remaining); err != nil {
		return err
	}

	already := r.SettledAmount
	next := cloneRequest(*r)
	if err := e.payOut(ctx, &next); err != nil {
		e.breaker.Release(remaining - (next.SettledAmount - already))
		return err
	}

	e.emit(ctx, events.Event{
		Kind:      events.KindRequestDistributed,
		RequestID: requestID,
		Amount:    next.TotalAmount,
		Status:    next.Status.String(),
	})
	return nil
}

// Cancel unwinds a request any time before distribution, unlocking its
// reservation. Only the original requester may cancel.
func (e *Engine) Cancel(ctx context.Context, requestID uint64, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrContractClosed
	}
	r, ok := e.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if r.Requester != caller {
		return ErrNotRequester
	}
	if r.Status.terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, r.Status)
	}

	next := cloneRequest(*r)
	next.Status = StatusCancelled
	acct := e.accounting()
	// A partially settled distribution already released its paid share.
	acct.LockedAmount -= next.TotalAmount - next.SettledAmount
	if err := e.persistRequest(ctx, next, acct); err != nil {
		return err
	}
	*r = next
	e.lockedAmount = acct.LockedAmount

	e.emit(ctx, events.Event{
		Kind:      events.KindRequestCancelled,
		Actor:     caller.Hex(),
		RequestID: requestID,
		Amount:    r.TotalAmount,
		Status:    r.Status.String(),
	})
	return nil
}

// Get returns a copy of the request.
func (e *Engine) Get(requestID uint64) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.requests[requestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(*r), nil
}

// List returns all requests ordered by id.
func (e *Engine) List() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Request, 0, len(e.requests))
	for _, r := range e.requests {
		out = append(out, cloneRequest(*r))
	}
	slices.SortFunc(out, func(a, b Request) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// CloseOut drains the full custodial balance to returnAddr and freezes the
// engine permanently. Invoked by an executed emergency closure; pending
// requests become unreachable because every mutating entry point rejects
// with ErrContractClosed afterwards.
func (e *Engine) CloseOut(ctx context.Context, returnAddr common.Address) (uint64, error) {
	if returnAddr == (common.Address{}) {
		return 0, fmt.Errorf("%w: zero return address", ErrInvalidConfig)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrContractClosed
	}

	drained := e.totalBalance
	if drained > 0 {
		if err := e.ledger.Transfer(ctx, returnAddr, drained); err != nil {
			return 0, fmt.Errorf("request: drain transfer: %w", err)
		}
	}

	acct := Accounting{TotalBalance: 0, LockedAmount: 0, Closed: true}
	if err := e.persistAccounting(ctx, acct); err != nil {
		return 0, err
	}
	e.totalBalance = 0
	e.lockedAmount = 0
	e.closed = true
	return drained, nil
}

// payOut transfers each unpaid recipient's amount, settling the books as
// every transfer lands. Must be called with e.mu held.
//
// The ERC-20 path sends one transaction per recipient, so a failure at
// recipient k means recipients 0..k-1 really were paid. That partial
// settlement is recorded on the request and in the accounting, and the
// request parks as an immediately executable withdrawal; a retry resumes at
// the first unpaid recipient and never pays anyone twice.
func (e *Engine) payOut(ctx context.Context, next *Request) error {
	acct := e.accounting()
	for next.Settled < len(next.Recipients) {
		i := next.Settled
		amt := next.Amounts[i]
		if err := e.ledger.Transfer(ctx, next.Recipients[i], amt); err != nil {
			next.Status = StatusPendingWithdrawal
			next.WithdrawalUnlockTime = e.cfg.Now().UTC()
			if perr := e.persistRequest(ctx, *next, acct); perr != nil {
				e.applyRequest(next, acct)
				return fmt.Errorf("request: distribute to %s: %v (persist partial settlement: %w)",
					next.Recipients[i].Hex(), err, perr)
			}
			e.applyRequest(next, acct)
			return fmt.Errorf("request: distribute to %s: %w", next.Recipients[i].Hex(), err)
		}
		next.Settled++
		next.SettledAmount += amt
		acct.LockedAmount -= amt
		acct.TotalBalance -= amt
	}

	next.Status = StatusDistributed
	err := e.persistRequest(ctx, *next, acct)
	// The transfers are out either way; the books must reflect them even
	// when the store write fails.
	e.applyRequest(next, acct)
	return err
}

// applyRequest must be called with e.mu held.
func (e *Engine) applyRequest(next *Request, acct Accounting) {
	r := e.requests[next.ID]
	*r = cloneRequest(*next)
	e.lockedAmount = acct.LockedAmount
	e.totalBalance = acct.TotalBalance
}

func (e *Engine) delayFor(total uint64) time.Duration {
	if total >= e.cfg.LargeThreshold {
		return e.cfg.LargeDelay
	}
	return e.cfg.MediumDelay
}

// accounting must be called with e.mu held.
func (e *Engine) accounting() Accounting {
	return Accounting{
		TotalBalance: e.totalBalance,
		LockedAmount: e.lockedAmount,
		Closed:       e.closed,
	}
}

func (e *Engine) persistRequest(ctx context.Context, r Request, a Accounting) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveRequest(ctx, r, a); err != nil {
		return fmt.Errorf("request: persist request %d: %w", r.ID, err)
	}
	return nil
}

func (e *Engine) persistAccounting(ctx context.Context, a Accounting) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveAccounting(ctx, a); err != nil {
		return fmt.Errorf("request: persist accounting: %w", err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	// Best-effort; the store is the source of truth.
	_ = e.emitter.Emit(ctx, ev)
}
