// Package bootstrap handles first contact with the federation: registering
// with the directory service, fetching its signed peer list, heartbeating,
// and falling back to static seed peers when no directory is reachable.
package bootstrap

import (
	"time"

	"fedmesh/pkg/types"
)

// Registration is one server's entry in the directory.
type Registration struct {
	ServerID  types.ServerID `json:"serverId"`
	NodeID    types.NodeID   `json:"nodeId"`
	Endpoint  string         `json:"endpoint"`
	PublicKey string         `json:"publicKey"` // hex Ed25519
	Region    string         `json:"region,omitempty"`
}

// signedDirectory is the directory's peer-list response. Payload is the
// base64 JSON encoding of directoryPayload; Signature is the directory's
// Ed25519 signature over those exact payload bytes.
type signedDirectory struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// directoryPayload is what the signature covers. The timestamp bounds
// replay: consumers reject payloads outside their freshness window.
type directoryPayload struct {
	Servers   []Registration `json:"servers"`
	Timestamp time.Time      `json:"timestamp"`
}

type heartbeatRequest struct {
	ServerID types.ServerID `json:"serverId"`
}

// registerResponse confirms a registration, echoing the stored entry.
type registerResponse struct {
	Success bool         `json:"success"`
	Server  Registration `json:"server"`
}

// heartbeatResponse acknowledges a heartbeat with the current peer set.
// The list is unsigned, so clients treat it as informational only;
// membership candidates come from the signed GET /servers payload.
type heartbeatResponse struct {
	Success bool           `json:"success"`
	Peers   []Registration `json:"peers"`
}

type statusResponse struct {
	Success bool `json:"success"`
}
