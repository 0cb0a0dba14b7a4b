package store

import (
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fedmesh/pkg/types"
)

// Relay registrations are node-local: capacity advertisements are transient
// and replicating them would only propagate staleness, so they never enter
// the quorum path.

// UpsertRelay records or refreshes a relay capacity advertisement.
func (s *Store) UpsertRelay(reg types.RelayRegistration) error {
	_, err := s.db.Exec(`INSERT INTO relay_registrations
		(peer_id, max_connections, connected_count, public_key, last_update)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			max_connections = excluded.max_connections,
			connected_count = excluded.connected_count,
			public_key = excluded.public_key,
			last_update = excluded.last_update`,
		string(reg.PeerID), reg.MaxConnections, reg.ConnectedCount,
		hex.EncodeToString(reg.PublicKey), reg.LastUpdate.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert relay: %w", err)
	}
	return nil
}

// Relays returns registrations updated within maxAge.
func (s *Store) Relays(maxAge time.Duration) ([]types.RelayRegistration, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	rows, err := s.db.Query(`SELECT peer_id, max_connections, connected_count, public_key, last_update
		FROM relay_registrations WHERE last_update > ?`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query relays: %w", err)
	}
	defer rows.Close()

	var out []types.RelayRegistration
	for rows.Next() {
		var reg types.RelayRegistration
		var peer, pubHex string
		var lastUpdate int64
		if err := rows.Scan(&peer, &reg.MaxConnections, &reg.ConnectedCount, &pubHex, &lastUpdate); err != nil {
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		reg.PeerID = types.PeerID(peer)
		reg.LastUpdate = time.Unix(0, lastUpdate).UTC()
		if pubHex != "" {
			if pub, err := hex.DecodeString(pubHex); err == nil {
				reg.PublicKey = pub
			}
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// SweepRelays drops registrations not refreshed within maxAge.
func (s *Store) SweepRelays(maxAge time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	res, err := s.db.Exec(`DELETE FROM relay_registrations WHERE last_update <= ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep relays: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("swept stale relay registrations", zap.Int64("count", n))
	}
	return n, nil
}
