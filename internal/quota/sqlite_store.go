package quota

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/adreel-io/adreel/internal/ir"
)

const quotaSchema = `CREATE TABLE IF NOT EXISTS quota_state (
	resource    TEXT PRIMARY KEY,
	daily_count INTEGER NOT NULL DEFAULT 0,
	reset_date  TEXT NOT NULL DEFAULT '',
	timestamps  TEXT NOT NULL DEFAULT '[]'
)`

// SQLiteStore keeps quota state in a SQLite database. Every transaction
// starts with BEGIN IMMEDIATE so the write lock is taken before the read.
type SQLiteStore struct {
	conn *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create quota directory: %w", err)
	}

	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open quota database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping quota database: %w", err)
	}
	if _, err := conn.Exec(quotaSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create quota schema: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) Transact(ctx context.Context, fn func(map[string]*ir.QuotaState) (bool, error)) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin quota transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT resource, daily_count, reset_date, timestamps FROM quota_state`)
	if err != nil {
		return fmt.Errorf("failed to load quota state: %w", err)
	}
	states := make(map[string]*ir.QuotaState)
	for rows.Next() {
		var (
			name string
			raw  string
			st   ir.QuotaState
		)
		if err := rows.Scan(&name, &st.DailyCount, &st.ResetDate, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan quota row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &st.Timestamps); err != nil {
			rows.Close()
			return fmt.Errorf("corrupt timestamps for %s: %w", name, err)
		}
		states[name] = &st
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	before := make(map[string]bool, len(states))
	for name := range states {
		before[name] = true
	}

	changed, err := fn(states)
	if err != nil {
		return err
	}
	if !changed {
		return tx.Commit()
	}

	for name := range before {
		if _, ok := states[name]; !ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM quota_state WHERE resource = ?`, name); err != nil {
				return fmt.Errorf("failed to delete quota row %s: %w", name, err)
			}
		}
	}
	for name, st := range states {
		ts, err := json.Marshal(st.Timestamps)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO quota_state (resource, daily_count, reset_date, timestamps)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(resource) DO UPDATE SET
				daily_count = excluded.daily_count,
				reset_date = excluded.reset_date,
				timestamps = excluded.timestamps`,
			name, st.DailyCount, st.ResetDate, string(ts))
		if err != nil {
			return fmt.Errorf("failed to save quota row %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
