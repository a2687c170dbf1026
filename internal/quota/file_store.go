package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/adreel-io/adreel/internal/ir"
)

const lockPollInterval = 10 * time.Millisecond

// FileStore keeps quota state in a JSON file guarded by an flock(2) on a
// sidecar lock file, so independent processes on one host share ceilings.
type FileStore struct {
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create quota directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Transact(ctx context.Context, fn func(map[string]*ir.QuotaState) (bool, error)) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	states, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(states)
	if err != nil || !changed {
		return err
	}
	return s.write(states)
}

func (s *FileStore) Close() error { return nil }

// lock takes an exclusive flock on path.lock. Each call opens its own file
// description, so goroutines of one process exclude each other as well.
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open quota lock: %w", err)
	}
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("failed to lock quota state: %w", err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (s *FileStore) read() (map[string]*ir.QuotaState, error) {
	states := make(map[string]*ir.QuotaState)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return states, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quota state %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("failed to parse quota state %s: %w", s.path, err)
	}
	return states, nil
}

func (s *FileStore) write(states map[string]*ir.QuotaState) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode quota state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write quota state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace quota state: %w", err)
	}
	return nil
}
