package gascredit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-fi/custodia/internal/roles"
	"github.com/custodia-fi/custodia/internal/token"
)

var (
	admin   = common.HexToAddress("0x0000000000000000000000000000000000000401")
	relayer = common.HexToAddress("0x0000000000000000000000000000000000000402")
	user    = common.HexToAddress("0x0000000000000000000000000000000000000403")
	rando   = common.HexToAddress("0x0000000000000000000000000000000000000404")
)

type harness struct {
	ledger *Ledger
	payer  *token.MemoryLedger
	clock  *time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	clock := &now

	tbl := roles.NewTable(nil)
	if err := tbl.Grant(admin, roles.RoleAdmin); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := tbl.Grant(relayer, roles.RoleRelayer); err != nil {
		t.Fatalf("Grant relayer: %v", err)
	}

	payer := token.NewMemoryLedger()
	payer.Mint(user, 2_000_000)

	cfg.Now = func() time.Time { return *clock }
	l, err := NewLedger(cfg, tbl, payer, nil, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return &harness{ledger: l, payer: payer, clock: clock}
}

func TestRefund_PaysRelayerAndTracksStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	if err := h.ledger.Deposit(ctx, user, 100_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	cost, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 21_000, GasPrice: 2, TxHash: common.HexToHash("0xaa")})
	if err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	if cost != 42_000 {
		t.Fatalf("cost = %d, want 42000", cost)
	}
	if h.payer.CreditedTo(relayer) != 42_000 {
		t.Fatalf("relayer paid %d, want 42000", h.payer.CreditedTo(relayer))
	}

	c := h.ledger.CreditOf(user)
	if c.Balance != 58_000 || c.DailyUsed != 42_000 || c.LifetimeUsed != 42_000 {
		t.Fatalf("unexpected credit: %+v", c)
	}
	st := h.ledger.StatsOf(relayer)
	if st.TransactionCount != 1 || st.TotalRefunded != 42_000 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	hist := h.ledger.History(user)
	if len(hist) != 1 || hist[0].TxHash != common.HexToHash("0xaa") {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestRefund_UnauthorizedRelayer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	if err := h.ledger.Deposit(ctx, user, 100_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := h.ledger.RequestRefund(ctx, rando, Claim{User: user, GasUsed: 1, GasPrice: 1}); !errors.Is(err, ErrUnauthorizedRelayer) {
		t.Fatalf("expected ErrUnauthorizedRelayer, got %v", err)
	}
}

func TestRefund_DailyLimitDeniedWhole(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	// dailyLimit 50,000 against a larger balance: the limit, not the
	// balance, is what bites.
	if err := h.ledger.Deposit(ctx, user, 100_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := h.ledger.UpdateLimits(ctx, admin, user, 0, 50_000); err != nil {
		t.Fatalf("UpdateLimits: %v", err)
	}

	if _, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 30_000, GasPrice: 1}); err != nil {
		t.Fatalf("RequestRefund #1: %v", err)
	}

	// Remaining daily allowance is 20,000; a 30,000 claim is rejected
	// whole, never partially paid, and the balance is untouched.
	before := h.ledger.CreditOf(user).Balance
	if _, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 30_000, GasPrice: 1}); !errors.Is(err, ErrTransactionLimitExceeded) {
		t.Fatalf("expected ErrTransactionLimitExceeded, got %v", err)
	}
	if got := h.ledger.CreditOf(user).Balance; got != before {
		t.Fatalf("balance changed on denied claim: %d -> %d", before, got)
	}

	// The window rolls over after 24h and the same claim succeeds.
	*h.clock = h.clock.Add(24*time.Hour + time.Second)
	if _, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 30_000, GasPrice: 1}); err != nil {
		t.Fatalf("RequestRefund after rollover: %v", err)
	}
}

func TestRefund_PerTransactionCapAndCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{GasPriceCeiling: 100})
	ctx := context.Background()

	if err := h.ledger.Deposit(ctx, user, 1_000_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := h.ledger.UpdateLimits(ctx, admin, user, 40_000, 0); err != nil {
		t.Fatalf("UpdateLimits: %v", err)
	}

	if _, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 21_000, GasPrice: 101}); !errors.Is(err, ErrGasPriceTooHigh) {
		t.Fatalf("expected ErrGasPriceTooHigh, got %v", err)
	}
	if _, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 50_000, GasPrice: 1}); !errors.Is(err, ErrTransactionLimitExceeded) {
		t.Fatalf("expected ErrTransactionLimitExceeded, got %v", err)
	}
	if _, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 40_000, GasPrice: 1}); err != nil {
		t.Fatalf("RequestRefund at cap: %v", err)
	}
}

func TestRefund_BalanceBound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	if err := h.ledger.Deposit(ctx, user, 10_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 10_001, GasPrice: 1}); !errors.Is(err, ErrTransactionLimitExceeded) {
		t.Fatalf("expected ErrTransactionLimitExceeded, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	if err := h.ledger.Deposit(ctx, user, 10_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := h.ledger.Withdraw(ctx, user, 10_001); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
	if err := h.ledger.Withdraw(ctx, user, 4_000); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if got := h.ledger.CreditOf(user).Balance; got != 6_000 {
		t.Fatalf("balance = %d, want 6000", got)
	}
	if h.payer.CreditedTo(user) != 4_000 {
		t.Fatalf("user paid %d, want 4000", h.payer.CreditedTo(user))
	}
}

func TestRefund_PayoutFailureLeavesBooksUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	if err := h.ledger.Deposit(ctx, user, 10_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	// Drain custody behind the ledger's back so the payout will fail.
	if err := h.payer.Transfer(ctx, rando, 9_500); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	_, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 10, GasPrice: 100, TxHash: common.HexToHash("0x01")})
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected token.ErrInsufficientBalance, got %v", err)
	}
	if got := h.ledger.CreditOf(user).Balance; got != 10_000 {
		t.Fatalf("balance = %d, want 10000", got)
	}
	if st := h.ledger.StatsOf(relayer); st.TransactionCount != 0 || st.TotalRefunded != 0 {
		t.Fatalf("stats mutated: %+v", st)
	}
	if n := len(h.ledger.History(user)); n != 0 {
		t.Fatalf("history entries = %d, want 0", n)
	}
}

func TestDeposit_CollectsRealFunds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	// rando holds no tokens, so nothing may be credited and nothing can
	// later be withdrawn out of custody.
	if err := h.ledger.Deposit(ctx, rando, 900); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected token.ErrInsufficientBalance, got %v", err)
	}
	if got := h.ledger.CreditOf(rando).Balance; got != 0 {
		t.Fatalf("balance after failed deposit = %d, want 0", got)
	}
	if err := h.ledger.Withdraw(ctx, rando, 900); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}

	// A funded deposit moves tokens into custody; withdrawing returns the
	// same tokens, leaving the pot where it started.
	before, _ := h.payer.Balance(ctx)
	if err := h.ledger.Deposit(ctx, user, 900); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	mid, _ := h.payer.Balance(ctx)
	if mid != before+900 {
		t.Fatalf("custodial balance after deposit = %d, want %d", mid, before+900)
	}
	if err := h.ledger.Withdraw(ctx, user, 900); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	after, _ := h.payer.Balance(ctx)
	if after != before {
		t.Fatalf("custodial balance after withdraw = %d, want %d", after, before)
	}
}

func TestReads_DoNotAllocateEntries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	for i := byte(1); i <= 50; i++ {
		_ = h.ledger.CreditOf(common.BytesToAddress([]byte{0xfe, i}))
		_ = h.ledger.StatsOf(common.BytesToAddress([]byte{0xfd, i}))
	}
	h.ledger.mu.Lock()
	credits, stats := len(h.ledger.credits), len(h.ledger.stats)
	h.ledger.mu.Unlock()
	if credits != 0 || stats != 0 {
		t.Fatalf("reads allocated entries: %d credits, %d stats", credits, stats)
	}
}

func TestUpdateLimits_AdminOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.ledger.UpdateLimits(context.Background(), rando, user, 1, 1); !errors.Is(err, roles.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestBatchRequestRefund_PerClaimResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxBatchSize: 3})
	ctx := context.Background()

	if err := h.ledger.Deposit(ctx, user, 50_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	results, err := h.ledger.BatchRequestRefund(ctx, relayer, []Claim{
		{User: user, GasUsed: 20_000, GasPrice: 1},
		{User: user, GasUsed: 40_000, GasPrice: 1}, // exceeds remaining balance
		{User: user, GasUsed: 20_000, GasPrice: 1},
	})
	if err != nil {
		t.Fatalf("BatchRequestRefund: %v", err)
	}
	if results[0].Err != "" || results[1].Err == "" || results[2].Err != "" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if got := h.ledger.CreditOf(user).Balance; got != 10_000 {
		t.Fatalf("balance = %d, want 10000", got)
	}

	if _, err := h.ledger.BatchRequestRefund(ctx, relayer, make([]Claim, 4)); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{HistoryPerUser: 2})
	ctx := context.Background()

	if err := h.ledger.Deposit(ctx, user, 100_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := h.ledger.RequestRefund(ctx, relayer, Claim{User: user, GasUsed: 1_000, GasPrice: 1, TxHash: common.BytesToHash([]byte{byte(i + 1)})}); err != nil {
			t.Fatalf("RequestRefund %d: %v", i, err)
		}
	}
	hist := h.ledger.History(user)
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[1].TxHash != common.BytesToHash([]byte{4}) {
		t.Fatalf("unexpected newest entry: %+v", hist[1])
	}
}
