// Package store opens and migrates the broker's SQLite-backed persistence
// layer. Adapted from apps/ReleaseParty/backend/internal/store/store.go:
// the pure-Go modernc.org/sqlite driver (no CGO), a single-writer
// connection, WAL journaling, and idempotent CREATE TABLE IF NOT EXISTS
// migrations run at open time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the shared *sql.DB used by the Capability Store, Secret
// Store, and Token Issuer. The audit_events table is created by the
// migrations, but no audit sink writes to it.
type Store struct {
	db *sql.DB
}

// Open creates parent directories for path, opens the SQLite file, and
// migrates it.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for package-specific queries.
func (s *Store) DB() *sql.DB { return s.db }

var migrations = []string{
	`PRAGMA journal_mode=WAL;`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		token_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS capability_grants (
		agent_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		scope_data TEXT,
		granted_at TEXT NOT NULL,
		PRIMARY KEY (agent_id, capability)
	);`,
	`CREATE TABLE IF NOT EXISTS secrets (
		provider TEXT NOT NULL,
		field TEXT NOT NULL,
		scope TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		ciphertext TEXT NOT NULL,
		PRIMARY KEY (provider, field, scope, agent_id)
	);`,
	`CREATE TABLE IF NOT EXISTS scoped_tokens (
		hash TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		capabilities TEXT NOT NULL,
		skill_run_id TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		outcome TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
