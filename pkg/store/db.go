// Package store is the node-local persistent layer: rendezvous records,
// relay capacity registrations and the membership snapshot, all in one
// SQLite database. Uses WAL mode for concurrent reads and crash-safe writes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// Store wraps the SQLite connection.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger
}

// Open creates or opens the database at dir/fedmesh.db.
func Open(dir string, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "fedmesh.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, clock: clk, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close shuts down the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rendezvous_records (
			hash       TEXT NOT NULL,
			peer_id    TEXT NOT NULL,
			dead_drop  TEXT NOT NULL DEFAULT '',
			relay_id   TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			clock      TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (hash, peer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_expiry ON rendezvous_records(expires_at)`,

		`CREATE TABLE IF NOT EXISTS relay_registrations (
			peer_id         TEXT PRIMARY KEY,
			max_connections INTEGER NOT NULL,
			connected_count INTEGER NOT NULL,
			public_key      TEXT NOT NULL DEFAULT '',
			last_update     INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS membership_snapshot (
			server_id TEXT PRIMARY KEY,
			entry     TEXT NOT NULL,
			saved_at  INTEGER NOT NULL
		)`,
	}

	for i, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
