// Package gascredit tracks prepaid fee allowances. Users deposit credit so
// relayers that front transaction fees can be reimbursed, bounded by
// per-transaction and per-day caps.
package gascredit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-fi/custodia/internal/events"
	"github.com/custodia-fi/custodia/internal/roles"
	"github.com/custodia-fi/custodia/internal/token"
)

var (
	ErrInvalidConfig            = errors.New("gascredit: invalid config")
	ErrUnauthorizedRelayer      = errors.New("gascredit: unauthorized relayer")
	ErrInsufficientCredit       = errors.New("gascredit: insufficient credit")
	ErrGasPriceTooHigh          = errors.New("gascredit: gas price exceeds ceiling")
	ErrTransactionLimitExceeded = errors.New("gascredit: transaction limit exceeded")
	ErrAmountOverflow           = errors.New("gascredit: amount overflow")
	ErrBatchTooLarge            = errors.New("gascredit: batch too large")
)

const (
	DefaultMaxBatchSize   = 20
	DefaultHistoryPerUser = 100

	dailyWindow = 24 * time.Hour
)

// Credit is one user's prepaid allowance. DailyUsed resets when the daily
// window rolls over, checked lazily on the next claim.
type Credit struct {
	Owner             common.Address
	Balance           uint64
	MaxPerTransaction uint64
	DailyLimit        uint64
	DailyUsed         uint64
	DailyResetAt      time.Time
	LifetimeUsed      uint64
}

// RelayerStats aggregates refunds paid to one relayer.
type RelayerStats struct {
	Relayer          common.Address
	TransactionCount uint64
	TotalRefunded    uint64
}

// Refund records one paid claim. TxHash is relayer-supplied and not
// deduplicated; see the package trust notes on RequestRefund.
type Refund struct {
	User     common.Address
	Relayer  common.Address
	GasUsed  uint64
	GasPrice uint64
	Cost     uint64
	TxHash   common.Hash
	PaidAt   time.Time
}

// Store persists credits and relayer stats write-through.
type Store interface {
	SaveCredit(ctx context.Context, c Credit) error
	SaveRelayerStats(ctx context.Context, s RelayerStats) error
	Load(ctx context.Context) (Snapshot, error)
}

// Snapshot is everything the ledger needs to resume after a restart.
type Snapshot struct {
	Credits []Credit
	Stats   []RelayerStats
}

type Config struct {
	// GasPriceCeiling rejects refund claims citing a price above it. Zero
	// means no ceiling.
	GasPriceCeiling uint64

	// DefaultMaxPerTransaction and DefaultDailyLimit apply to credits that
	// an administrator has not tuned explicitly. Zero means unlimited.
	DefaultMaxPerTransaction uint64
	DefaultDailyLimit        uint64

	MaxBatchSize int

	// HistoryPerUser bounds the retained refund history per user.
	HistoryPerUser int

	Now func() time.Time
}

// Ledger is the prepaid gas-credit ledger. Refund claims are rejected whole,
// never partially honored, once any cap would be exceeded.
type Ledger struct {
	cfg     Config
	roles   *roles.Table
	payer   token.Ledger
	store   Store
	emitter *events.Emitter

	mu      sync.Mutex
	credits map[common.Address]*Credit
	stats   map[common.Address]*RelayerStats
	history map[common.Address][]Refund
}

func NewLedger(cfg Config, tbl *roles.Table, payer token.Ledger, store Store, emitter *events.Emitter) (*Ledger, error) {
	if tbl == nil || payer == nil {
		return nil, fmt.Errorf("%w: nil roles or payer", ErrInvalidConfig)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.HistoryPerUser <= 0 {
		cfg.HistoryPerUser = DefaultHistoryPerUser
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		cfg:     cfg,
		roles:   tbl,
		payer:   payer,
		store:   store,
		emitter: emitter,
		credits: make(map[common.Address]*Credit),
		stats:   make(map[common.Address]*RelayerStats),
		history: make(map[common.Address][]Refund),
	}, nil
}

// Restore loads persisted state. Call once before serving traffic.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	snap, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("gascredit: restore: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.credits = make(map[common.Address]*Credit, len(snap.Credits))
	for i := range snap.Credits {
		c := snap.Credits[i]
		l.credits[c.Owner] = &c
	}
	l.stats = make(map[common.Address]*RelayerStats, len(snap.Stats))
	for i := range snap.Stats {
		s := snap.Stats[i]
		l.stats[s.Relayer] = &s
	}
	return nil
}

// Deposit pulls amount from the owner into custody, then credits the
// owner's prepaid balance. A deposit that cannot be collected credits
// nothing; withdrawals can only ever return what was actually received.
func (l *Ledger) Deposit(ctx context.Context, owner common.Address, amount uint64) error {
	if owner == (common.Address{}) || amount == 0 {
		return fmt.Errorf("%w: zero owner or amount", ErrInvalidConfig)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.creditOf(owner)
	if amount > math.MaxUint64-c.Balance {
		return ErrAmountOverflow
	}
	if err := l.payer.Collect(ctx, owner, amount); err != nil {
		return fmt.Errorf("gascredit: deposit collection: %w", err)
	}
	next := *c
	next.Balance += amount
	if err := l.persistCredit(ctx, next); err != nil {
		return err
	}
	*c = next
	return nil
}

// Withdraw returns unspent credit to its owner.
func (l *Ledger) Withdraw(ctx context.Context, owner common.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidConfig)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.creditOf(owner)
	if amount > c.Balance {
		return fmt.Errorf("%w: have %d, want %d", ErrInsufficientCredit, c.Balance, amount)
	}
	if err := l.payer.Transfer(ctx, owner, amount); err != nil {
		return fmt.Errorf("gascredit: withdraw payout: %w", err)
	}
	next := *c
	next.Balance -= amount
	if err := l.persistCredit(ctx, next); err != nil {
		return err
	}
	*c = next
	return nil
}

// UpdateLimits tunes a user's caps. Administrator only.
func (l *Ledger) UpdateLimits(ctx context.Context, admin, owner common.Address, maxPerTransaction, dailyLimit uint64) error {
	if err := l.roles.Require(admin, roles.RoleAdmin); err != nil {
		return err
	}
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: zero owner", ErrInvalidConfig)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.creditOf(owner)
	next := *c
	next.MaxPerTransaction = maxPerTransaction
	next.DailyLimit = dailyLimit
	if err := l.persistCredit(ctx, next); err != nil {
		return err
	}
	*c = next
	return nil
}

// Claim is one relayer refund claim.
type Claim struct {
	User     common.Address
	GasUsed  uint64
	GasPrice uint64
	TxHash   common.Hash
}

// RequestRefund pays the relayer gasUsed*gasPrice out of the user's credit.
//
// The claim's gasUsed, gasPrice, and txHash are relayer-reported and not
// cross-checked against the forwarded call's actual cost; the ledger also
// does not deduplicate claims by txHash. Holding the relayer credential is
// the trust boundary here, with the per-transaction and daily caps bounding
// the damage a dishonest relayer can do.
func (l *Ledger) RequestRefund(ctx context.Context, relayer common.Address, claim Claim) (uint64, error) {
	if !l.roles.Has(relayer, roles.RoleRelayer) {
		return 0, fmt.Errorf("%w: %s", ErrUnauthorizedRelayer, relayer.Hex())
	}
	if claim.User == (common.Address{}) || claim.GasUsed == 0 || claim.GasPrice == 0 {
		return 0, fmt.Errorf("%w: malformed claim", ErrInvalidConfig)
	}
	if l.cfg.GasPriceCeiling > 0 && claim.GasPrice > l.cfg.GasPriceCeiling {
		return 0, fmt.Errorf("%w: %d > %d", ErrGasPriceTooHigh, claim.GasPrice, l.cfg.GasPriceCeiling)
	}
	if claim.GasUsed > math.MaxUint64/claim.GasPrice {
		return 0, ErrAmountOverflow
	}
	cost := claim.GasUsed * claim.GasPrice

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now().UTC()
	c := l.creditOf(claim.User)
	next := *c
	if !now.Before(next.DailyResetAt) {
		next.DailyUsed = 0
		next.DailyResetAt = now.Add(dailyWindow)
	}

	if next.MaxPerTransaction > 0 && cost > next.MaxPerTransaction {
		return 0, fmt.Errorf("%w: cost %d > per-tx cap %d", ErrTransactionLimitExceeded, cost, next.MaxPerTransaction)
	}
	if cost > next.Balance {
		return 0, fmt.Errorf("%w: cost %d > balance %d", ErrTransactionLimitExceeded, cost, next.Balance)
	}
	if next.DailyLimit > 0 && cost > next.DailyLimit-next.DailyUsed {
		return 0, fmt.Errorf("%w: cost %d > remaining daily %d", ErrTransactionLimitExceeded, cost, next.DailyLimit-next.DailyUsed)
	}

	// Debit and persist before paying: a crash between the two leaves the
	// credit debited and the relayer unpaid, which reconciliation can fix,
	// never the reverse.
	next.Balance -= cost
	next.DailyUsed += cost
	next.LifetimeUsed += cost
	if err := l.persistCredit(ctx, next); err != nil {
		return 0, err
	}

	st := l.statsOf(relayer)
	nextStats := *st
	nextStats.TransactionCount++
	nextStats.TotalRefunded += cost
	if err := l.persistStats(ctx, nextStats); err != nil {
		_ = l.persistCredit(ctx, *c)
		return 0, err
	}

	if err := l.payer.Transfer(ctx, relayer, cost); err != nil {
		_ = l.persistCredit(ctx, *c)
		_ = l.persistStats(ctx, *st)
		return 0, fmt.Errorf("gascredit: refund payout: %w", err)
	}

	*c = next
	*st = nextStats
	l.appendHistory(claim.User, Refund{
		User:     claim.User,
		Relayer:  relayer,
		GasUsed:  claim.GasUsed,
		GasPrice: claim.GasPrice,
		Cost:     cost,
		TxHash:   claim.TxHash,
		PaidAt:   now,
	})

	l.emit(ctx, events.Event{
		Kind:      events.KindRefundPaid,
		Actor:     relayer.Hex(),
		Recipient: claim.User.Hex(),
		Amount:    cost,
		TxHash:    claim.TxHash.Hex(),
	})
	return cost, nil
}

// ClaimResult reports one batch element's outcome.
type ClaimResult struct {
	Cost uint64
	Err  string
}

// BatchRequestRefund applies the same checks per claim; one denied claim
// does not block the rest.
func (l *Ledger) BatchRequestRefund(ctx context.Context, relayer common.Address, claims []Claim) ([]ClaimResult, error) {
	if len(claims) == 0 || len(claims) > l.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d claims, max %d", ErrBatchTooLarge, len(claims), l.cfg.MaxBatchSize)
	}

	out := make([]ClaimResult, len(claims))
	for i, claim := range claims {
		cost, err := l.RequestRefund(ctx, relayer, claim)
		out[i].Cost = cost
		if err != nil {
			out[i].Err = err.Error()
		}
	}
	return out, nil
}

// CreditOf returns a copy of the owner's credit, with the daily window
// lazily rolled over for accurate remaining-allowance reads. Reads never
// allocate ledger entries; the endpoint behind this is open to address
// scans.
func (l *Ledger) CreditOf(owner common.Address) Credit {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.credits[owner]
	if !ok {
		return Credit{
			Owner:             owner,
			MaxPerTransaction: l.cfg.DefaultMaxPerTransaction,
			DailyLimit:        l.cfg.DefaultDailyLimit,
		}
	}
	c := *stored
	if !l.cfg.Now().UTC().Before(c.DailyResetAt) {
		c.DailyUsed = 0
	}
	return c
}

// StatsOf returns a copy of the relayer's aggregate stats without
// allocating an entry for unknown relayers.
func (l *Ledger) StatsOf(relayer common.Address) RelayerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.stats[relayer]; ok {
		return *s
	}
	return RelayerStats{Relayer: relayer}
}

// History returns the user's recent refunds, newest last.
func (l *Ledger) History(user common.Address) []Refund {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Refund(nil), l.history[user]...)
}

// creditOf must be called with l.mu held.
func (l *Ledger) creditOf(owner common.Address) *Credit {
	c, ok := l.credits[owner]
	if !ok {
		c = &Credit{
			Owner:             owner,
			MaxPerTransaction: l.cfg.DefaultMaxPerTransaction,
			DailyLimit:        l.cfg.DefaultDailyLimit,
		}
		l.credits[owner] = c
	}
	return c
}

// statsOf must be called with l.mu held.
func (l *Ledger) statsOf(relayer common.Address) *RelayerStats {
	s, ok := l.stats[relayer]
	if !ok {
		s = &RelayerStats{Relayer: relayer}
		l.stats[relayer] = s
	}
	return s
}

func (l *Ledger) appendHistory(user common.Address, r Refund) {
	h := append(l.history[user], r)
	if len(h) > l.cfg.HistoryPerUser {
		h = h[len(h)-l.cfg.HistoryPerUser:]
	}
	l.history[user] = h
}

func (l *Ledger) persistCredit(ctx context.Context, c Credit) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveCredit(ctx, c); err != nil {
		return fmt.Errorf("gascredit: persist credit %s: %w", c.Owner.Hex(), err)
	}
	return nil
}

func (l *Ledger) persistStats(ctx context.Context, s RelayerStats) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveRelayerStats(ctx, s); err != nil {
		return fmt.Errorf("gascredit: persist stats %s: %w", s.Relayer.Hex(), err)
	}
	return nil
}

func (l *Ledger) emit(ctx context.Context, ev events.Event) {
	_ = l.emitter.Emit(ctx, ev)
}
