package store

import (
	"encoding/json"
	"fmt"

	"fedmesh/pkg/types"
)

// SaveSnapshot replaces the persisted membership snapshot with entries.
func (s *Store) SaveSnapshot(entries []types.KnownServer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM membership_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	now := s.clock.Now().UnixNano()
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode snapshot entry: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO membership_snapshot (server_id, entry, saved_at) VALUES (?, ?, ?)`,
			string(e.ServerID), string(body), now); err != nil {
			return fmt.Errorf("insert snapshot entry: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot returns the persisted membership entries, if any.
func (s *Store) LoadSnapshot() ([]types.KnownServer, error) {
	rows, err := s.db.Query(`SELECT entry FROM membership_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var out []types.KnownServer
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan snapshot entry: %w", err)
		}
		var e types.KnownServer
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode snapshot entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
