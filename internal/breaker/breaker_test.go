package breaker

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(t *testing.T, cfg Config, now *time.Time) *Breaker {
	t.Helper()
	cfg.Now = func() time.Time { return *now }
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestAllow_SingleAmountLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, Config{MaxSingleTxAmount: 1_000}, &now)

	if err := b.Allow(1_000); err != nil {
		t.Fatalf("Allow at limit: %v", err)
	}
	if err := b.Allow(1_001); !errors.Is(err, ErrAmountTooHigh) {
		t.Fatalf("expected ErrAmountTooHigh, got %v", err)
	}
}

func TestAllow_DailyVolumeRollsOver(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, Config{MaxDailyVolume: 5_000}, &now)

	if err := b.Allow(3_000); err != nil {
		t.Fatalf("Allow #1: %v", err)
	}
	if err := b.Allow(2_500); !errors.Is(err, ErrDailyVolumeExceeded) {
		t.Fatalf("expected ErrDailyVolumeExceeded, got %v", err)
	}
	// A rejected amount must not consume volume.
	if err := b.Allow(2_000); err != nil {
		t.Fatalf("Allow #2: %v", err)
	}

	now = now.Add(24 * time.Hour)
	if err := b.Allow(5_000); err != nil {
		t.Fatalf("Allow after rollover: %v", err)
	}
}

func TestRoleChurn_TripsAndCoolsDown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, Config{ChurnThreshold: 3, Cooldown: 6 * time.Hour}, &now)

	b.RecordRoleChurn()
	b.RecordRoleChurn()
	if b.Tripped() {
		t.Fatalf("tripped below threshold")
	}
	b.RecordRoleChurn()
	if !b.Tripped() {
		t.Fatalf("expected trip at threshold")
	}
	if err := b.Allow(1); !errors.Is(err, ErrCircuitBreakerActive) {
		t.Fatalf("expected ErrCircuitBreakerActive, got %v", err)
	}

	now = now.Add(6*time.Hour - time.Second)
	if !b.Tripped() {
		t.Fatalf("expected still tripped before cooldown")
	}
	now = now.Add(time.Second)
	if b.Tripped() {
		t.Fatalf("expected auto-reset after cooldown")
	}
	if err := b.Allow(1); err != nil {
		t.Fatalf("Allow after cooldown: %v", err)
	}
}

func TestChurnWindow_ResetsSlowChurn(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, Config{ChurnThreshold: 3, ChurnWindow: time.Hour}, &now)

	b.RecordRoleChurn()
	b.RecordRoleChurn()
	now = now.Add(2 * time.Hour)
	b.RecordRoleChurn()
	if b.Tripped() {
		t.Fatalf("slow churn must not trip")
	}
}

func TestManualTripAndReset(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, Config{}, &now)

	b.Trip()
	if err := b.Allow(1); !errors.Is(err, ErrCircuitBreakerActive) {
		t.Fatalf("expected ErrCircuitBreakerActive after manual trip, got %v", err)
	}
	b.Reset()
	if err := b.Allow(1); err != nil {
		t.Fatalf("Allow after manual reset: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, Config{MaxDailyVolume: 100, MaxSingleTxAmount: 50}, &now)

	if err := b.Allow(40); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	st := b.Snapshot()
	if st.DailyVolumeUsed != 40 || st.MaxDailyVolume != 100 || st.MaxSingleTxAmount != 50 || st.Tripped {
		t.Fatalf("unexpected snapshot: %+v", st)
	}
}

func TestRelease_ReturnsReservedVolume(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, Config{MaxDailyVolume: 5_000}, &now)

	if err := b.Allow(4_000); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if err := b.Allow(2_000); !errors.Is(err, ErrDailyVolumeExceeded) {
		t.Fatalf("expected ErrDailyVolumeExceeded, got %v", err)
	}
	b.Release(4_000)
	if err := b.Allow(5_000); err != nil {
		t.Fatalf("Allow after release: %v", err)
	}

	// Over-release clamps instead of underflowing.
	b.Release(9_000)
	if err := b.Allow(5_000); err != nil {
		t.Fatalf("Allow after clamped release: %v", err)
	}

	// A release after the window rolled over must not touch the new day.
	if err := b.Allow(5_000); !errors.Is(err, ErrDailyVolumeExceeded) {
		t.Fatalf("expected ErrDailyVolumeExceeded, got %v", err)
	}
	now = now.Add(25 * time.Hour)
	b.Release(5_000)
	if err := b.Allow(5_000); err != nil {
		t.Fatalf("Allow in fresh window: %v", err)
	}
	if got := b.Snapshot().DailyVolumeUsed; got != 5_000 {
		t.Fatalf("DailyVolumeUsed = %d, want 5000", got)
	}
}
