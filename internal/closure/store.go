package closure

import (
	"context"
	"sync"
)

// Store persists closures write-through. A closure record is saved before
// the in-memory transition it covers.
type Store interface {
	SaveClosure(ctx context.Context, c Closure) error
	LoadClosures(ctx context.Context) ([]Closure, error)
}

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu       sync.Mutex
	closures map[uint64]Closure
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{closures: make(map[uint64]Closure)}
}

func (s *MemoryStore) SaveClosure(_ context.Context, c Closure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closures[c.ID] = cloneClosure(c)
	return nil
}

func (s *MemoryStore) LoadClosures(_ context.Context) ([]Closure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Closure, 0, len(s.closures))
	for _, c := range s.closures {
		out = append(out, cloneClosure(c))
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
