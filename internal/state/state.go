package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adreel-io/adreel/internal/ir"
)

// ErrRunNotFound is returned when no snapshot exists for a run id.
var ErrRunNotFound = errors.New("run not found")

// Manager stores run snapshots as JSON files under <dir>/runs.
type Manager struct {
	dir     string
	lockTTL time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLockTTL sets how long a run lock may go untouched before another
// process may break it. Values below StaleLockAge are raised to it.
func WithLockTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > m.lockTTL {
			m.lockTTL = ttl
		}
	}
}

func NewManager(dir string, opts ...ManagerOption) *Manager {
	m := &Manager{dir: dir, lockTTL: StaleLockAge}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the directory holding run snapshots.
func (m *Manager) Dir() string {
	return filepath.Join(m.dir, "runs")
}

func (m *Manager) path(runID string) string {
	return filepath.Join(m.Dir(), runID+".json")
}

// Read loads the snapshot for runID.
// If the snapshot is encrypted, it is transparently decrypted before decoding.
func (m *Manager) Read(ctx context.Context, runID string) (*ir.PipelineState, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(m.path(runID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return Decode(raw)
}

// Write saves st atomically and refreshes the run's lock, if held, so a long
// run that keeps snapshotting is never taken for abandoned.
// If ADREEL_STATE_ENCRYPTION_KEY is set, the file is transparently encrypted.
func (m *Manager) Write(ctx context.Context, st *ir.PipelineState) error {
	if err := validRunID(st.RunID); err != nil {
		return err
	}
	if err := os.MkdirAll(m.Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := Encode(st)
	if err != nil {
		return err
	}

	path := m.path(st.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run %s: %w", st.RunID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", st.RunID, err)
	}
	m.touchLock(st.RunID)
	return nil
}

// List returns every stored run, newest first.
func (m *Manager) List(ctx context.Context) ([]*ir.PipelineState, error) {
	entries, err := os.ReadDir(m.Dir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []*ir.PipelineState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		st, err := m.Read(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		runs = append(runs, st)
	}
	SortRuns(runs)
	return runs, nil
}

// Encode serializes and, when a key is configured, encrypts a snapshot.
func Encode(st *ir.PipelineState) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode run %s: %w", st.RunID, err)
	}
	encrypted, err := seal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return encrypted, nil
}

// Decode reverses Encode.
func Decode(raw []byte) (*ir.PipelineState, error) {
	data, err := unseal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}
	var st ir.PipelineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return &st, nil
}

// SortRuns orders runs newest first, breaking ties by id.
func SortRuns(runs []*ir.PipelineState) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}

func validRunID(id string) error {
	if id == "" {
		return errors.New("run id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}
