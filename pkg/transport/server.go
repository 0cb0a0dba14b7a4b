// Package transport exposes the node's HTTP surface: the gossip exchange
// endpoints peers probe, the internal replica store endpoints the quorum
// coordinator fans out to, and the public rendezvous API clients publish
// and look up through.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fedmesh/pkg/gossip"
	"fedmesh/pkg/types"
)

// RendezvousService is the node-level API behind the public endpoints.
type RendezvousService interface {
	Publish(ctx context.Context, hash types.DiscoveryHash, peer types.PeerID, deadDrop, relayID string, ttl time.Duration) (types.RendezvousRecord, error)
	Lookup(ctx context.Context, hash types.DiscoveryHash) ([]types.RendezvousRecord, error)
	RegisterRelay(ctx context.Context, reg types.RelayRegistration) error
	Relays(ctx context.Context) ([]types.RelayRegistration, error)
}

// StatusReport is the operator-facing snapshot served on /status.
type StatusReport struct {
	ServerID       types.ServerID      `json:"serverId"`
	Endpoint       string              `json:"endpoint"`
	Region         string              `json:"region,omitempty"`
	Members        []types.KnownServer `json:"members"`
	Counts         map[string]int      `json:"counts"`
	PendingRetries int                 `json:"pendingRetries"`
}

// StatusProvider produces the node's current status report.
type StatusProvider interface {
	Status() StatusReport
}

// GossipHandler dispatches inbound gossip envelopes.
type GossipHandler interface {
	HandleMessage(ctx context.Context, env gossip.Envelope) (gossip.Envelope, error)
}

// ReplicaStore is the local replica the internal endpoints apply to.
type ReplicaStore interface {
	Put(rec types.RendezvousRecord) (bool, error)
	Get(hash types.DiscoveryHash) ([]types.RendezvousRecord, error)
}

// Server serves the federation HTTP API for one node.
type Server struct {
	gossip  GossipHandler
	replica ReplicaStore
	service RendezvousService
	status  StatusProvider
	logger  *zap.Logger
	router  chi.Router
	httpSrv *http.Server
}

// NewServer assembles the router. Pass a nil gatherer to skip /metrics and
// a nil status provider to skip /status.
func NewServer(g GossipHandler, replica ReplicaStore, svc RendezvousService,
	status StatusProvider, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{gossip: g, replica: replica, service: svc, status: status, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/gossip", s.handleGossipExchange)
	r.Post("/gossip/notify", s.handleGossipNotify)

	r.Route("/internal", func(r chi.Router) {
		r.Post("/store", s.handleReplicaStore)
		r.Get("/fetch/{hash}", s.handleReplicaFetch)
	})

	r.Route("/rendezvous", func(r chi.Router) {
		r.Post("/publish", s.handlePublish)
		r.Get("/lookup/{hash}", s.handleLookup)
		r.Post("/relay", s.handleRelayRegister)
		r.Get("/relays", s.handleRelays)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if status != nil {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, status.Status())
		})
	}
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

// Router exposes the handler, for embedding and tests.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving on addr and returns immediately. Fatal listen
// errors are reported on the returned channel.
func (s *Server) Start(addr string) <-chan error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("http server listening", zap.String("addr", addr))
	return errCh
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleGossipExchange(w http.ResponseWriter, r *http.Request) {
	var env gossip.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid gossip payload")
		return
	}
	resp, err := s.gossip.HandleMessage(r.Context(), env)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGossipNotify(w http.ResponseWriter, r *http.Request) {
	var env gossip.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid gossip payload")
		return
	}
	if _, err := s.gossip.HandleMessage(r.Context(), env); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplicaStore(w http.ResponseWriter, r *http.Request) {
	var rec types.RendezvousRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record payload")
		return
	}
	if rec.Hash == "" || rec.PeerID == "" {
		writeError(w, http.StatusBadRequest, "record requires hash and peerId")
		return
	}
	// A stale version is still acknowledged: this replica already holds
	// something at least as new.
	if _, err := s.replica.Put(rec); err != nil && !errors.Is(err, types.ErrStaleWrite) {
		s.logger.Error("replica store failed", zap.String("hash", string(rec.Hash)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplicaFetch(w http.ResponseWriter, r *http.Request) {
	hash := types.DiscoveryHash(chi.URLParam(r, "hash"))
	recs, err := s.replica.Get(hash)
	if err != nil {
		s.logger.Error("replica fetch failed", zap.String("hash", string(hash)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type publishRequest struct {
	Hash     types.DiscoveryHash `json:"hash"`
	PeerID   types.PeerID        `json:"peerId"`
	DeadDrop string              `json:"deadDrop,omitempty"`
	RelayID  string              `json:"relayId,omitempty"`
	// TTL is the requested lifetime in seconds. Zero takes the hash
	// class default; requests above the class limit are capped to it.
	TTL int `json:"ttl,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid publish payload")
		return
	}
	if req.Hash == "" || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "publish requires hash and peerId")
		return
	}
	rec, err := s.service.Publish(r.Context(), req.Hash, req.PeerID, req.DeadDrop, req.RelayID,
		time.Duration(req.TTL)*time.Second)
	if err != nil {
		s.writeServiceError(w, "publish", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	hash := types.DiscoveryHash(chi.URLParam(r, "hash"))
	recs, err := s.service.Lookup(r.Context(), hash)
	if err != nil {
		s.writeServiceError(w, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRelayRegister(w http.ResponseWriter, r *http.Request) {
	var reg types.RelayRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid relay payload")
		return
	}
	if reg.PeerID == "" || reg.MaxConnections < 1 {
		writeError(w, http.StatusBadRequest, "relay requires peerId and maxConnections")
		return
	}
	if err := s.service.RegisterRelay(r.Context(), reg); err != nil {
		s.writeServiceError(w, "relay register", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	relays, err := s.service.Relays(r.Context())
	if err != nil {
		s.writeServiceError(w, "relays", err)
		return
	}
	writeJSON(w, http.StatusOK, relays)
}

// writeServiceError maps node-level failures to HTTP statuses. Quorum
// shortfalls are 503 so clients know to retry elsewhere or later.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, types.ErrInsufficientReplicas):
		writeError(w, http.StatusServiceUnavailable, "not enough replicas reachable")
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, types.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
