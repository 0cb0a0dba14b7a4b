// Package identity manages the node's Ed25519 server identity. The keypair
// and node ID are created once, persisted to disk and never rotated; the
// ephemeral ID is fresh per process.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"fedmesh/pkg/types"
)

// ServerIdentity is this process's federation identity.
type ServerIdentity struct {
	ServerID    types.ServerID
	NodeID      types.NodeID
	EphemeralID string
	Public      ed25519.PublicKey
	Private     ed25519.PrivateKey
}

// Sign signs msg with the server's private key.
func (id *ServerIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.Private, msg)
}

// LoadOrCreate loads the identity from dir/keys, generating and persisting
// a new one on first run. The server ID is derived from the public key so
// it cannot diverge from it.
func LoadOrCreate(dir string) (*ServerIdentity, error) {
	keyDir := filepath.Join(dir, "keys")
	pubPath := filepath.Join(keyDir, "server.pub")
	privPath := filepath.Join(keyDir, "server.key")
	nodePath := filepath.Join(keyDir, "node.id")

	pubBytes, pubErr := os.ReadFile(pubPath)
	privBytes, privErr := os.ReadFile(privPath)
	nodeBytes, nodeErr := os.ReadFile(nodePath)

	if pubErr == nil && privErr == nil && nodeErr == nil {
		pub, err := hex.DecodeString(strings.TrimSpace(string(pubBytes)))
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		priv, err := hex.DecodeString(strings.TrimSpace(string(privBytes)))
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
		if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity key files in %s are corrupt", keyDir)
		}
		return &ServerIdentity{
			ServerID:    DeriveServerID(pub),
			NodeID:      types.NodeID(strings.TrimSpace(string(nodeBytes))),
			EphemeralID: uuid.NewString(),
			Public:      ed25519.PublicKey(pub),
			Private:     ed25519.PrivateKey(priv),
		}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	nodeID := uuid.NewString()

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o600); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(nodePath, []byte(nodeID), 0o600); err != nil {
		return nil, fmt.Errorf("write node id: %w", err)
	}

	return &ServerIdentity{
		ServerID:    DeriveServerID(pub),
		NodeID:      types.NodeID(nodeID),
		EphemeralID: uuid.NewString(),
		Public:      pub,
		Private:     priv,
	}, nil
}

// DeriveServerID maps a public key to its stable 16-hex-char server ID.
func DeriveServerID(pub []byte) types.ServerID {
	sum := sha256.Sum256(pub)
	return types.ServerID(hex.EncodeToString(sum[:8]))
}
