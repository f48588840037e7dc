package breaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrInvalidConfig        = errors.New("breaker: invalid config")
	ErrCircuitBreakerActive = errors.New("breaker: circuit breaker active")
	ErrAmountTooHigh        = errors.New("breaker: single amount exceeds limit")
	ErrDailyVolumeExceeded  = errors.New("breaker: daily volume exceeded")
)

const (
	DefaultChurnThreshold = 5
	DefaultCooldown       = 6 * time.Hour
	DefaultChurnWindow    = 1 * time.Hour

	dayWindow = 24 * time.Hour
)

type Config struct {
	// MaxDailyVolume caps the sum of amounts accepted within a rolling
	// 24h window. Zero means unlimited.
	MaxDailyVolume uint64

	// MaxSingleTxAmount caps any individual amount. Zero means unlimited.
	MaxSingleTxAmount uint64

	// ChurnThreshold trips the breaker once this many role grant/revoke
	// events land within ChurnWindow. Defaults to 5.
	ChurnThreshold int

	// Cooldown is how long an automatic or manual trip lasts before the
	// breaker resets itself. Defaults to 6h.
	Cooldown time.Duration

	// ChurnWindow bounds how long churn events count toward the
	// threshold. Defaults to 1h.
	ChurnWindow time.Duration

	Now func() time.Time
}

// Breaker is the automatic safety valve wrapped around request creation and
// withdrawal execution. All methods are safe for concurrent use.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	dayStart   time.Time
	dailyUsed  uint64
	tripped    bool
	trippedAt  time.Time
	churnStart time.Time
	churnCount int
}

func New(cfg Config) (*Breaker, error) {
	if cfg.ChurnThreshold < 0 || cfg.Cooldown < 0 || cfg.ChurnWindow < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.ChurnThreshold == 0 {
		cfg.ChurnThreshold = DefaultChurnThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ChurnWindow == 0 {
		cfg.ChurnWindow = DefaultChurnWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}, nil
}

// Allow checks the breaker state and reserves amount against the daily
// volume. A rejected amount reserves nothing.
func (b *Breaker) Allow(amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	b.maybeAutoReset(now)
	if b.tripped {
		return ErrCircuitBreakerActive
	}
	if b.cfg.MaxSingleTxAmount > 0 && amount > b.cfg.MaxSingleTxAmount {
		return fmt.Errorf("%w: %d > %d", ErrAmountTooHigh, amount, b.cfg.MaxSingleTxAmount)
	}

	if b.dayStart.IsZero() || !now.Before(b.dayStart.Add(dayWindow)) {
		b.dayStart = now
		b.dailyUsed = 0
	}
	if b.cfg.MaxDailyVolume > 0 {
		if amount > math.MaxUint64-b.dailyUsed || b.dailyUsed+amount > b.cfg.MaxDailyVolume {
			return fmt.Errorf("%w: used %d + %d > %d", ErrDailyVolumeExceeded, b.dailyUsed, amount, b.cfg.MaxDailyVolume)
		}
	}
	b.dailyUsed += amount
	return nil
}

// Release returns a reservation made by Allow when the operation it guarded
// fails afterwards. Releasing more than was reserved, or after the daily
// window rolled over, clamps to zero.
func (b *Breaker) Release(amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	if b.dayStart.IsZero() || !now.Before(b.dayStart.Add(dayWindow)) {
		return
	}
	if amount > b.dailyUsed {
		amount = b.dailyUsed
	}
	b.dailyUsed -= amount
}

// RecordRoleChurn counts one administrative role grant/revoke event and
// trips the breaker once the threshold is crossed within the churn window.
func (b *Breaker) RecordRoleChurn() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	b.maybeAutoReset(now)

	if b.churnStart.IsZero() || !now.Before(b.churnStart.Add(b.cfg.ChurnWindow)) {
		b.churnStart = now
		b.churnCount = 0
	}
	b.churnCount++
	if b.churnCount >= b.cfg.ChurnThreshold && !b.tripped {
		b.tripped = true
		b.trippedAt = now
	}
}

// Trip forces the breaker open immediately.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = true
	b.trippedAt = b.cfg.Now()
}

// Reset clears a trip and the churn counter without waiting for cooldown.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.trippedAt = time.Time{}
	b.churnStart = time.Time{}
	b.churnCount = 0
}

// Tripped reports whether the breaker is currently open, applying the
// automatic cooldown reset first.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeAutoReset(b.cfg.Now())
	return b.tripped
}

// State is a read-only snapshot for the administrative surface.
type State struct {
	MaxDailyVolume    uint64
	MaxSingleTxAmount uint64
	DailyVolumeUsed   uint64
	Tripped           bool
	TrippedAt         time.Time
	Cooldown          time.Duration
	RoleChurnCounter  int
}

func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeAutoReset(b.cfg.Now())
	return State{
		MaxDailyVolume:    b.cfg.MaxDailyVolume,
		MaxSingleTxAmount: b.cfg.MaxSingleTxAmount,
		DailyVolumeUsed:   b.dailyUsed,
		Tripped:           b.tripped,
		TrippedAt:         b.trippedAt,
		Cooldown:          b.cfg.Cooldown,
		RoleChurnCounter:  b.churnCount,
	}
}

// maybeAutoReset must be called with b.mu held.
func (b *Breaker) maybeAutoReset(now time.Time) {
	if b.tripped && !now.Before(b.trippedAt.Add(b.cfg.Cooldown)) {
		b.tripped = false
		b.trippedAt = time.Time{}
		b.churnStart = time.Time{}
		b.churnCount = 0
	}
}
