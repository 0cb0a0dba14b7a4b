package gossip

import (
	"fmt"

	"fedmesh/pkg/types"
)

// Kind is the closed set of gossip message variants.
type Kind string

const (
	KindPing      Kind = "ping"
	KindPingReq   Kind = "ping-req"
	KindAck       Kind = "ack"
	KindStateSync Kind = "state-sync"
	KindSuspect   Kind = "suspect"
	KindAlive     Kind = "alive"
	KindDead      Kind = "dead"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPing, KindPingReq, KindAck, KindStateSync, KindSuspect, KindAlive, KindDead:
		return true
	}
	return false
}

// Envelope is the wire form of every gossip message. Membership updates
// piggyback in Deltas on pings and acks; StateSync carries the full table
// in Members; Suspect/Alive/Dead are one-entry announcements.
type Envelope struct {
	Kind Kind           `json:"kind"`
	From types.ServerID `json:"from"`
	Seq  uint64         `json:"seq"`

	// Target of an indirect probe, with its endpoint in case the
	// intermediary has not learned it yet.
	Target         types.ServerID `json:"target,omitempty"`
	TargetEndpoint string         `json:"targetEndpoint,omitempty"`

	Deltas  []types.KnownServer `json:"deltas,omitempty"`
	Members []types.KnownServer `json:"members,omitempty"`
}

// ID identifies the message for duplicate suppression.
func (e Envelope) ID() string {
	return fmt.Sprintf("%s/%d/%s", e.From, e.Seq, e.Kind)
}
