package quota

import (
	"context"
	"sync"

	"github.com/adreel-io/adreel/internal/ir"
)

// MemoryStore keeps quota state in process memory. It only coordinates
// goroutines of a single process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*ir.QuotaState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*ir.QuotaState)}
}

func (s *MemoryStore) Transact(ctx context.Context, fn func(map[string]*ir.QuotaState) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := cloneStates(s.states)
	changed, err := fn(working)
	if err != nil {
		return err
	}
	if changed {
		s.states = working
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
