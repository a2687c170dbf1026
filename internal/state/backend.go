package state

import (
	"context"
	"fmt"
	"time"

	"github.com/adreel-io/adreel/internal/ir"
)

// Backend defines the interface for run snapshot storage.
type Backend interface {
	// Read loads the latest snapshot of a run.
	Read(ctx context.Context, runID string) (*ir.PipelineState, error)

	// Write saves a snapshot, replacing the previous one.
	Write(ctx context.Context, st *ir.PipelineState) error

	// List returns every stored run, newest first.
	List(ctx context.Context) ([]*ir.PipelineState, error)

	// Lock acquires an exclusive lock on a run.
	Lock(ctx context.Context, runID string) error

	// Unlock releases the lock on a run.
	Unlock(runID string) error
}

var (
	_ Backend = (*Manager)(nil)
	_ Backend = (*S3Backend)(nil)
)

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `json:"type"` // "local", "s3"
	Dir    string            `json:"dir"`
	Config map[string]string `json:"config"`
	// LockTTL is how long a local run lock may sit untouched before it is
	// broken. Zero means StaleLockAge.
	LockTTL time.Duration `json:"lock_ttl,omitempty"`
}

// NewBackend creates a state backend from configuration.
func NewBackend(ctx context.Context, cfg *BackendConfig) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("local backend requires a state directory")
		}
		return NewManager(cfg.Dir, WithLockTTL(cfg.LockTTL)), nil
	case "s3":
		return newS3Backend(ctx, cfg.Config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
