// Package relay implements the meta-transaction relay: it verifies signed
// authorization envelopes, enforces replay and abuse policy, and dispatches
// the inner call with the signer as the logical caller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-fi/custodia/internal/envelope"
	"github.com/custodia-fi/custodia/internal/events"
	"github.com/custodia-fi/custodia/internal/roles"
)

var (
	ErrInvalidConfig        = errors.New("relay: invalid config")
	ErrInvalidChainID       = errors.New("relay: invalid chain id")
	ErrExpiredDeadline      = errors.New("relay: expired deadline")
	ErrInvalidNonce         = errors.New("relay: invalid nonce")
	ErrTargetNotWhitelisted = errors.New("relay: target not whitelisted")
	ErrTargetNotContract    = errors.New("relay: target has no code")
	ErrRateLimitExceeded    = errors.New("relay: rate limit exceeded")
	ErrTargetCallsExceeded  = errors.New("relay: target call ceiling reached")
	ErrInsufficientGas      = errors.New("relay: insufficient gas")
	ErrCallFailed           = errors.New("relay: call failed")
	ErrBatchTooLarge        = errors.New("relay: batch too large")
)

const (
	DefaultRateLimitWindow   = 1 * time.Hour
	DefaultMaxTxPerWindow    = 100
	DefaultMaxCallsPerTarget = 10_000
	DefaultMaxBatchSize      = 10
	DefaultGasFloor          = 21_000
)

// Call is the dispatched inner call. Sender is the envelope signer, which
// the dispatcher must surface to the target as the logical caller.
type Call struct {
	Sender common.Address
	To     common.Address
	Value  uint64
	Gas    uint64
	Data   []byte
}

// Dispatcher executes verified calls. HasCode gates dispatch to deployed
// contracts only.
type Dispatcher interface {
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	Dispatch(ctx context.Context, call Call) ([]byte, error)
}

// Store persists sender nonces write-through. A nonce is saved before it is
// consumed in memory, so a crash can lose an execution but never readmit a
// burned envelope.
type Store interface {
	SaveNonce(ctx context.Context, sender common.Address, next uint64) error
	Load(ctx context.Context) (map[common.Address]uint64, error)
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nonces: make(map[common.Address]uint64)}
}

func (s *MemoryStore) SaveNonce(_ context.Context, sender common.Address, next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[sender] = next
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (map[common.Address]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Address]uint64, len(s.nonces))
	for k, v := range s.nonces {
		out[k] = v
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

// Result reports one envelope's outcome. A consumed nonce with Success=false
// means the policy checks passed but the dispatched call itself failed; the
// envelope is burned either way.
type Result struct {
	Success    bool
	Nonce      uint64
	ReturnData []byte
	Err        string
}

type Config struct {
	Domain envelope.Domain

	// MaxTxPerWindow bounds each sender's executions within RateLimitWindow.
	MaxTxPerWindow  int
	RateLimitWindow time.Duration

	// MaxCallsPerTarget caps a target's cumulative call count. The counter
	// resets only when the target is removed from and re-added to the
	// whitelist.
	MaxCallsPerTarget uint64

	// GasFloor rejects envelopes carrying less gas than a minimal call needs.
	GasFloor uint64

	MaxBatchSize int

	Now func() time.Time
}

type targetState struct {
	calls uint64
}

// Relay enforces one-time nonces, per-sender rate limits, and the target
// whitelist before any call is dispatched. Nonces are strictly increasing
// and single-use across all targets.
type Relay struct {
	cfg        Config
	roles      *roles.Table
	dispatcher Dispatcher
	store      Store
	emitter    *events.Emitter

	mu        sync.Mutex
	nonces    map[common.Address]uint64
	whitelist map[common.Address]*targetState
	recent    map[common.Address][]time.Time
}

func New(cfg Config, tbl *roles.Table, dispatcher Dispatcher, store Store, emitter *events.Emitter) (*Relay, error) {
	if tbl == nil || dispatcher == nil {
		return nil, fmt.Errorf("%w: nil roles or dispatcher", ErrInvalidConfig)
	}
	if cfg.Domain.ChainID == 0 || cfg.Domain.VerifyingRelay == (common.Address{}) {
		return nil, fmt.Errorf("%w: incomplete domain", ErrInvalidConfig)
	}
	if cfg.MaxTxPerWindow <= 0 {
		cfg.MaxTxPerWindow = DefaultMaxTxPerWindow
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultRateLimitWindow
	}
	if cfg.MaxCallsPerTarget == 0 {
		cfg.MaxCallsPerTarget = DefaultMaxCallsPerTarget
	}
	if cfg.GasFloor == 0 {
		cfg.GasFloor = DefaultGasFloor
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Relay{
		cfg:        cfg,
		roles:      tbl,
		dispatcher: dispatcher,
		store:      store,
		emitter:    emitter,
		nonces:     make(map[common.Address]uint64),
		whitelist:  make(map[common.Address]*targetState),
		recent:     make(map[common.Address][]time.Time),
	}, nil
}

// Restore loads persisted nonces. Call once before serving traffic. The
// target whitelist is policy, re-bootstrapped from config at startup, and is
// not part of the snapshot.
func (r *Relay) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	nonces, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("relay: restore nonces: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for sender, next := range nonces {
		r.nonces[sender] = next
	}
	return nil
}

// Execute verifies and dispatches one signed envelope.
//
// Every check runs before any state changes, so a rejected envelope can be
// retried as-is once the condition clears. Once the checks pass the nonce is
// consumed unconditionally; a failing inner call does not refund it.
func (r *Relay) Execute(ctx context.Context, env envelope.Envelope, sig []byte) (Result, error) {
	if err := envelope.Verify(r.cfg.Domain, env, sig); err != nil {
		return Result{}, err
	}
	if env.ChainID != r.cfg.Domain.ChainID {
		return Result{}, fmt.Errorf("%w: envelope %d, domain %d", ErrInvalidChainID, env.ChainID, r.cfg.Domain.ChainID)
	}

	now := r.cfg.Now()
	if uint64(now.Unix()) > env.Deadline {
		return Result{}, fmt.Errorf("%w: deadline %d", ErrExpiredDeadline, env.Deadline)
	}

	hasCode, err := r.dispatcher.HasCode(ctx, env.To)
	if err != nil {
		return Result{}, fmt.Errorf("relay: code check for %s: %w", env.To.Hex(), err)
	}

	nonce, err := r.admit(ctx, env, now, hasCode)
	if err != nil {
		return Result{}, err
	}

	out, dispatchErr := r.dispatcher.Dispatch(ctx, Call{
		Sender: env.From,
		To:     env.To,
		Value:  env.Value,
		Gas:    env.Gas,
		Data:   env.Data,
	})

	res := Result{Success: dispatchErr == nil, Nonce: nonce, ReturnData: out}
	r.emit(ctx, events.Event{
		Kind:      events.KindRelayExecuted,
		Actor:     env.From.Hex(),
		Recipient: env.To.Hex(),
		Amount:    env.Value,
		Detail:    fmt.Sprintf("nonce=%d success=%t", nonce, res.Success),
	})
	if dispatchErr != nil {
		res.Err = dispatchErr.Error()
		return res, fmt.Errorf("%w: %v", ErrCallFailed, dispatchErr)
	}
	return res, nil
}

// admit runs the stateful policy checks and, only if all pass, consumes the
// nonce, records the rate-limit slot, and bumps the target counter.
func (r *Relay) admit(ctx context.Context, env envelope.Envelope, now time.Time, hasCode bool) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expected := r.nonces[env.From]
	if env.Nonce != expected {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrInvalidNonce, env.Nonce, expected)
	}

	target, ok := r.whitelist[env.To]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTargetNotWhitelisted, env.To.Hex())
	}
	if !hasCode {
		return 0, fmt.Errorf("%w: %s", ErrTargetNotContract, env.To.Hex())
	}

	windowStart := now.Add(-r.cfg.RateLimitWindow)
	recent := pruneBefore(r.recent[env.From], windowStart)
	if len(recent) >= r.cfg.MaxTxPerWindow {
		r.recent[env.From] = recent
		return 0, fmt.Errorf("%w: %d in window", ErrRateLimitExceeded, len(recent))
	}

	if target.calls >= r.cfg.MaxCallsPerTarget {
		return 0, fmt.Errorf("%w: %s at %d", ErrTargetCallsExceeded, env.To.Hex(), target.calls)
	}
	if env.Gas < r.cfg.GasFloor {
		return 0, fmt.Errorf("%w: %d < %d", ErrInsufficientGas, env.Gas, r.cfg.GasFloor)
	}

	if r.store != nil {
		if err := r.store.SaveNonce(ctx, env.From, expected+1); err != nil {
			return 0, fmt.Errorf("relay: persist nonce: %w", err)
		}
	}
	r.nonces[env.From] = expected + 1
	r.recent[env.From] = append(recent, now)
	target.calls++
	return expected, nil
}

// SignedEnvelope pairs an envelope with its signature for batch execution.
type SignedEnvelope struct {
	Envelope  envelope.Envelope
	Signature []byte
}

// ExecuteBatch executes up to MaxBatchSize envelopes, returning a result per
// item rather than aborting the batch on the first failure.
func (r *Relay) ExecuteBatch(ctx context.Context, items []SignedEnvelope) ([]Result, error) {
	if len(items) == 0 || len(items) > r.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d items, max %d", ErrBatchTooLarge, len(items), r.cfg.MaxBatchSize)
	}

	out := make([]Result, len(items))
	for i, item := range items {
		res, err := r.Execute(ctx, item.Envelope, item.Signature)
		if err != nil && res.Err == "" {
			res.Err = err.Error()
		}
		out[i] = res
	}
	return out, nil
}

// Nonce reports the sender's next expected nonce.
func (r *Relay) Nonce(sender common.Address) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonces[sender]
}

// AddTarget whitelists a dispatch target. Re-adding a removed target resets
// its call counter; adding an already-listed target does not.
func (r *Relay) AddTarget(admin, target common.Address) error {
	if err := r.roles.Require(admin, roles.RoleAdmin); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.whitelist[target]; !ok {
		r.whitelist[target] = &targetState{}
	}
	return nil
}

// RemoveTarget delists a dispatch target and discards its call counter.
func (r *Relay) RemoveTarget(admin, target common.Address) error {
	if err := r.roles.Require(admin, roles.RoleAdmin); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.whitelist, target)
	return nil
}

// IsWhitelisted reports whether target may be dispatched to.
func (r *Relay) IsWhitelisted(target common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.whitelist[target]
	return ok
}

// TargetCalls reports a whitelisted target's cumulative call count.
func (r *Relay) TargetCalls(target common.Address) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.whitelist[target]
	if !ok {
		return 0, false
	}
	return t.calls, true
}

// SetRateLimit tunes the per-sender rate limit at runtime.
func (r *Relay) SetRateLimit(admin common.Address, maxTxPerWindow int) error {
	if err := r.roles.Require(admin, roles.RoleAdmin); err != nil {
		return err
	}
	if maxTxPerWindow <= 0 {
		return fmt.Errorf("%w: non-positive rate limit", ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.MaxTxPerWindow = maxTxPerWindow
	return nil
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func (r *Relay) emit(ctx context.Context, ev events.Event) {
	_ = r.emitter.Emit(ctx, ev)
}
