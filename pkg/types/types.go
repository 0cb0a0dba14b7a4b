// Package types holds the shared data model for the federation layer:
// server identities, membership entries, rendezvous records and the
// error taxonomy used across packages.
package types

import (
	"crypto/sha256"
	"fmt"
	"time"

	"fedmesh/pkg/vclock"
)

type ServerID string
type NodeID string
type PeerID string

// DiscoveryHash is an opaque rendezvous key derived by clients from a
// shared secret and a rotating time window. The federation never learns
// what it was derived from; it only routes and stores it.
type DiscoveryHash string

// Discovery hash classes. Daily meeting points rotate once a day and are
// derived from stable peer IDs; hourly tokens rotate hourly and are derived
// from a live session secret. The class decides the record's TTL.
const (
	DailyPointPrefix  = "day_"
	HourlyTokenPrefix = "hr_"
)

// IsHourly reports whether the hash belongs to the hourly token class.
// Anything else (including unknown prefixes) is treated as daily.
func (h DiscoveryHash) IsHourly() bool {
	return len(h) >= len(HourlyTokenPrefix) && string(h[:len(HourlyTokenPrefix)]) == HourlyTokenPrefix
}

// Status is the health of a federation peer as seen by this node.
type Status int

const (
	StatusAlive Status = iota
	StatusSuspect
	StatusLeft
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusLeft:
		return "left"
	case StatusDead:
		return "dead"
	}
	return "unknown"
}

// Severity orders statuses for merges at equal incarnation:
// dead > left > suspect > alive.
func (s Status) Severity() int {
	return int(s)
}

// KnownServer is one entry in the membership table.
type KnownServer struct {
	ServerID    ServerID          `json:"serverId"`
	NodeID      NodeID            `json:"nodeId"`
	Endpoint    string            `json:"endpoint"`
	PublicKey   []byte            `json:"publicKey,omitempty"`
	Status      Status            `json:"status"`
	Incarnation uint64            `json:"incarnation"`
	LastSeen    time.Time         `json:"lastSeen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RendezvousRecord is one ephemeral discovery entry. Multiple peer IDs may
// legally share a discovery hash (concurrent pairing attempts), so the
// composite key is (Hash, PeerID).
type RendezvousRecord struct {
	Hash      DiscoveryHash `json:"hash"`
	PeerID    PeerID        `json:"peerId"`
	DeadDrop  string        `json:"deadDrop,omitempty"`
	RelayID   string        `json:"relayId,omitempty"`
	ExpiresAt time.Time     `json:"expiresAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Clock     vclock.Clock  `json:"clock"`
}

// Expired reports whether the record is past its TTL at now.
func (r RendezvousRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// TieBreakHash hashes a canonical serialization of the record's value
// fields. When two versions of a record are causally concurrent, the one
// with the lexicographically larger hash wins, so every replica picks the
// same winner regardless of merge order.
func (r RendezvousRecord) TieBreakHash() [32]byte {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%s",
		r.Hash, r.PeerID, r.DeadDrop, r.RelayID,
		r.ExpiresAt.UnixNano(), r.UpdatedAt.UnixNano(), r.Clock.String())
	return sha256.Sum256([]byte(canonical))
}

// WinsTieBreak reports whether r beats other under the deterministic
// concurrent-version tie-break.
func (r RendezvousRecord) WinsTieBreak(other RendezvousRecord) bool {
	a, b := r.TieBreakHash(), other.TieBreakHash()
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// RelayRegistration advertises a relay peer's capacity. Advisory only:
// this layer records and serves it but never enforces the limits.
type RelayRegistration struct {
	PeerID         PeerID    `json:"peerId"`
	MaxConnections int       `json:"maxConnections"`
	ConnectedCount int       `json:"connectedCount"`
	PublicKey      []byte    `json:"publicKey,omitempty"`
	LastUpdate     time.Time `json:"lastUpdate"`
}
