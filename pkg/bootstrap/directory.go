package bootstrap

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"fedmesh/pkg/identity"
	"fedmesh/pkg/types"
)

// entryTTL is how long a registration survives without a heartbeat.
const entryTTL = 5 * time.Minute

// Directory is the reference directory service: an in-memory registry of
// federation servers whose peer-list responses it signs. It is a
// convenience for small deployments; the federation itself never depends
// on it once bootstrapped.
type Directory struct {
	priv   ed25519.PrivateKey
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	servers  map[types.ServerID]Registration
	lastSeen map[types.ServerID]time.Time
}

// NewDirectory builds a directory that signs with priv.
func NewDirectory(priv ed25519.PrivateKey, clk clock.Clock, logger *zap.Logger) *Directory {
	return &Directory{
		priv:     priv,
		clock:    clk,
		logger:   logger,
		servers:  make(map[types.ServerID]Registration),
		lastSeen: make(map[types.ServerID]time.Time),
	}
}

// Router returns the directory's HTTP surface.
func (d *Directory) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/servers", d.handleRegister)
	r.Get("/servers", d.handleList)
	r.Post("/servers/heartbeat", d.handleHeartbeat)
	r.Delete("/servers/{id}", d.handleDeregister)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (d *Directory) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "invalid registration", http.StatusBadRequest)
		return
	}
	if reg.ServerID == "" || reg.Endpoint == "" || reg.PublicKey == "" {
		http.Error(w, "registration requires serverId, endpoint and publicKey", http.StatusBadRequest)
		return
	}
	pub, err := hex.DecodeString(reg.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		http.Error(w, "publicKey is not a hex ed25519 key", http.StatusBadRequest)
		return
	}
	if identity.DeriveServerID(pub) != reg.ServerID {
		http.Error(w, "serverId does not derive from publicKey", http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.servers[reg.ServerID] = reg
	d.lastSeen[reg.ServerID] = d.clock.Now()
	d.mu.Unlock()

	d.logger.Info("server registered",
		zap.String("server", string(reg.ServerID)), zap.String("endpoint", reg.Endpoint))
	writeJSON(w, http.StatusOK, registerResponse{Success: true, Server: reg})
}

// handleList returns the live registrations as a signed payload. Signing
// covers the exact payload bytes, so any in-flight tampering breaks the
// signature and any replay trips the timestamp check.
func (d *Directory) handleList(w http.ResponseWriter, _ *http.Request) {
	d.prune()

	d.mu.Lock()
	payload := directoryPayload{Timestamp: d.clock.Now()}
	for _, reg := range d.servers {
		payload.Servers = append(payload.Servers, reg)
	}
	d.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	signed := signedDirectory{
		Payload:   base64.StdEncoding.EncodeToString(raw),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(d.priv, raw)),
	}
	writeJSON(w, http.StatusOK, signed)
}

func (d *Directory) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, "invalid heartbeat", http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	_, known := d.servers[hb.ServerID]
	var peers []Registration
	if known {
		d.lastSeen[hb.ServerID] = d.clock.Now()
		for id, reg := range d.servers {
			if id != hb.ServerID {
				peers = append(peers, reg)
			}
		}
	}
	d.mu.Unlock()
	if !known {
		http.Error(w, "unknown server", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Success: true, Peers: peers})
}

func (d *Directory) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := types.ServerID(chi.URLParam(r, "id"))
	d.mu.Lock()
	_, known := d.servers[id]
	delete(d.servers, id)
	delete(d.lastSeen, id)
	d.mu.Unlock()
	if !known {
		http.Error(w, "unknown server", http.StatusNotFound)
		return
	}
	d.logger.Info("server deregistered", zap.String("server", string(id)))
	writeJSON(w, http.StatusOK, statusResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// prune drops registrations whose heartbeats stopped.
func (d *Directory) prune() {
	cutoff := d.clock.Now().Add(-entryTTL)
	d.mu.Lock()
	for id, seen := range d.lastSeen {
		if seen.Before(cutoff) {
			delete(d.servers, id)
			delete(d.lastSeen, id)
			d.logger.Info("registration expired", zap.String("server", string(id)))
		}
	}
	d.mu.Unlock()
}
