package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fedmesh/pkg/types"
	"fedmesh/pkg/vclock"
)

// Put applies an incoming record version under the vector-clock merge rule.
// Returns true when the stored row changed:
//   - incoming dominates stored: overwrite
//   - incoming dominated or equal: no-op, reported as ErrStaleWrite so a
//     caller can tell an ignored version apart from an applied one; the
//     replication path acknowledges it as success
//   - concurrent: merge clocks component-wise and keep the value winning
//     the deterministic tie-break, so the stored clock dominates both inputs
//
// Put and Get for the same (hash, peerId) are serialized by the
// single-writer connection, so merges never interleave.
func (s *Store) Put(rec types.RendezvousRecord) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	stored, found, err := getOne(tx, rec.Hash, rec.PeerID)
	if err != nil {
		return false, err
	}

	final := rec
	if found {
		switch rec.Clock.Compare(stored.Clock) {
		case vclock.Before, vclock.Equal:
			s.logger.Debug("stale write dropped",
				zap.String("hash", string(rec.Hash)),
				zap.String("peer", string(rec.PeerID)))
			return false, types.ErrStaleWrite
		case vclock.After:
			// incoming wins outright
		case vclock.Concurrent:
			merged := rec.Clock.Merge(stored.Clock)
			if stored.WinsTieBreak(rec) {
				final = stored
			}
			final.Clock = merged
		}
	}

	clockJSON, err := json.Marshal(final.Clock)
	if err != nil {
		return false, fmt.Errorf("encode clock: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO rendezvous_records
		(hash, peer_id, dead_drop, relay_id, expires_at, updated_at, clock)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash, peer_id) DO UPDATE SET
			dead_drop = excluded.dead_drop,
			relay_id = excluded.relay_id,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			clock = excluded.clock`,
		string(final.Hash), string(final.PeerID), final.DeadDrop, final.RelayID,
		final.ExpiresAt.UnixNano(), final.UpdatedAt.UnixNano(), string(clockJSON))
	if err != nil {
		return false, fmt.Errorf("upsert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit put: %w", err)
	}
	return true, nil
}

// Get returns every non-expired record under hash. Records past expiresAt
// are never returned, even before the sweep removes them.
func (s *Store) Get(hash types.DiscoveryHash) ([]types.RendezvousRecord, error) {
	now := s.clock.Now()
	rows, err := s.db.Query(`SELECT hash, peer_id, dead_drop, relay_id, expires_at, updated_at, clock
		FROM rendezvous_records WHERE hash = ? AND expires_at > ?`,
		string(hash), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []types.RendezvousRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SweepExpired removes records past their expiry and returns how many went.
func (s *Store) SweepExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM rendezvous_records WHERE expires_at <= ?`,
		s.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("swept expired rendezvous records", zap.Int64("count", n))
	}
	return n, nil
}

// PruneClocks drops vector clock entries for servers that keep rejects.
// Bounds clock growth once a server has left the federation for good.
func (s *Store) PruneClocks(keep func(id string) bool) error {
	rows, err := s.db.Query(`SELECT hash, peer_id, clock FROM rendezvous_records`)
	if err != nil {
		return fmt.Errorf("query clocks: %w", err)
	}

	type update struct {
		hash, peer, clock string
	}
	var updates []update
	for rows.Next() {
		var hash, peer, clockJSON string
		if err := rows.Scan(&hash, &peer, &clockJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scan clock: %w", err)
		}
		var c vclock.Clock
		if err := json.Unmarshal([]byte(clockJSON), &c); err != nil {
			continue
		}
		before := len(c)
		c.Prune(keep)
		if len(c) == before {
			continue
		}
		pruned, err := json.Marshal(c)
		if err != nil {
			continue
		}
		updates = append(updates, update{hash, peer, string(pruned)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := s.db.Exec(`UPDATE rendezvous_records SET clock = ? WHERE hash = ? AND peer_id = ?`,
			u.clock, u.hash, u.peer); err != nil {
			return fmt.Errorf("prune clock: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (types.RendezvousRecord, error) {
	var rec types.RendezvousRecord
	var hash, peer, clockJSON string
	var expiresAt, updatedAt int64
	if err := r.Scan(&hash, &peer, &rec.DeadDrop, &rec.RelayID, &expiresAt, &updatedAt, &clockJSON); err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}
	rec.Hash = types.DiscoveryHash(hash)
	rec.PeerID = types.PeerID(peer)
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(clockJSON), &rec.Clock); err != nil {
		return rec, fmt.Errorf("decode clock %q: %w", clockJSON, err)
	}
	return rec, nil
}

func getOne(tx *sql.Tx, hash types.DiscoveryHash, peer types.PeerID) (types.RendezvousRecord, bool, error) {
	row := tx.QueryRow(`SELECT hash, peer_id, dead_drop, relay_id, expires_at, updated_at, clock
		FROM rendezvous_records WHERE hash = ? AND peer_id = ?`,
		string(hash), string(peer))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}
