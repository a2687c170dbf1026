package quota

import (
	"context"

	"github.com/adreel-io/adreel/internal/ir"
)

// Store is a lockable shared location holding the quota state of every
// resource. Implementations must make Transact an atomic read-modify-write
// across goroutines and processes.
type Store interface {
	// Transact loads the current states under an exclusive lock, calls fn,
	// and persists the map when fn reports a change. Errors from fn abort
	// the write. The lock is held only for the duration of fn.
	Transact(ctx context.Context, fn func(states map[string]*ir.QuotaState) (bool, error)) error

	// Close releases any resources held by the store.
	Close() error
}

func cloneStates(in map[string]*ir.QuotaState) map[string]*ir.QuotaState {
	out := make(map[string]*ir.QuotaState, len(in))
	for k, v := range in {
		if v == nil {
			continue
		}
		cp := *v
		cp.Timestamps = append([]float64(nil), v.Timestamps...)
		out[k] = &cp
	}
	return out
}
