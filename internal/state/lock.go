package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StaleLockAge is the minimum time a run lock must go untouched before it is
// considered abandoned. Managers raise it with WithLockTTL.
const StaleLockAge = 30 * time.Minute

// Lock acquires a file lock on a run so a regeneration cannot overlap a
// generation of the same run.
func (m *Manager) Lock(ctx context.Context, runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	lockPath := m.lockPath(runID)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) > m.lockTTL {
			os.Remove(lockPath)
		}
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return fmt.Errorf("run %s is locked by another process (lock file: %s). "+
			"If this is an error, remove the lock file manually", runID, lockPath)
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Unlock releases a run lock.
func (m *Manager) Unlock(runID string) error {
	if err := os.Remove(m.lockPath(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// touchLock bumps the lock file's mtime when the lock exists.
func (m *Manager) touchLock(runID string) {
	now := time.Now()
	_ = os.Chtimes(m.lockPath(runID), now, now)
}

func (m *Manager) lockPath(runID string) string {
	return m.path(runID) + ".lock"
}
