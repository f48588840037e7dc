package request

import (
	"context"
	"sync"
)

// Accounting is the custodial balance sheet. The conservation invariant
// TotalBalance = available + LockedAmount holds after every operation.
type Accounting struct {
	TotalBalance uint64
	LockedAmount uint64
	Closed       bool
}

// Snapshot is everything the engine needs to resume after a restart.
type Snapshot struct {
	Requests   []Request
	Accounting Accounting
}

// Store persists engine state write-through. SaveRequest must upsert the
// request and the accounting row atomically.
type Store interface {
	SaveRequest(ctx context.Context, r Request, a Accounting) error
	SaveAccounting(ctx context.Context, a Accounting) error
	Load(ctx context.Context) (Snapshot, error)
}

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu         sync.Mutex
	requests   map[uint64]Request
	accounting Accounting
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[uint64]Request)}
}

func (s *MemoryStore) SaveRequest(_ context.Context, r Request, a Accounting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = cloneRequest(r)
	s.accounting = a
	return nil
}

func (s *MemoryStore) SaveAccounting(_ context.Context, a Accounting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounting = a
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{Accounting: s.accounting}
	for _, r := range s.requests {
		out.Requests = append(out.Requests, cloneRequest(r))
	}
	return out, nil
}
