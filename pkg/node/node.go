// Package node assembles one federation server: identity, persistent
// store, membership gossip, quorum replication, bootstrap and the HTTP
// surface, with one lifecycle wrapping them all.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fedmesh/pkg/bootstrap"
	"fedmesh/pkg/config"
	"fedmesh/pkg/gossip"
	"fedmesh/pkg/identity"
	"fedmesh/pkg/membership"
	"fedmesh/pkg/quorum"
	"fedmesh/pkg/store"
	"fedmesh/pkg/telemetry"
	"fedmesh/pkg/transport"
	"fedmesh/pkg/types"
	"fedmesh/pkg/vclock"
)

// relayMaxAge is how long a relay advertisement stays listable without a
// refresh.
const relayMaxAge = 10 * time.Minute

// Node is one running federation server.
type Node struct {
	cfg      config.Config
	id       *identity.ServerIdentity
	clock    clock.Clock
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	store     *store.Store
	table     *membership.Table
	engine    *gossip.Engine
	coord     *quorum.Coordinator
	snapshots *membership.SnapshotManager
	boot      *bootstrap.Client
	server    *transport.Server

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  bool
	mu       sync.Mutex
}

// New assembles a node on the real clock.
func New(cfg config.Config, logger *zap.Logger) (*Node, error) {
	return NewWithClock(cfg, clock.New(), logger)
}

// NewWithClock assembles a node with an injected clock, for tests.
func NewWithClock(cfg config.Config, clk clock.Clock, logger *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := identity.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	logger = logger.With(zap.String("server", string(id.ServerID)))

	st, err := store.Open(cfg.Node.DataDir, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	endpoint := cfg.Node.Endpoint
	if endpoint == "" {
		endpoint = cfg.Node.BindAddress
	}
	self := types.KnownServer{
		ServerID:  id.ServerID,
		NodeID:    id.NodeID,
		Endpoint:  endpoint,
		PublicKey: id.Public,
		Status:    types.StatusAlive,
		LastSeen:  clk.Now(),
		Metadata:  map[string]string{"region": cfg.Node.Region},
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	table := membership.NewTable(self, clk, logger)
	client := transport.NewClient(logger)
	engine := gossip.NewEngine(cfg.Gossip, table, client, clk, logger, metrics)
	coord := quorum.NewCoordinator(cfg.DHT, table, st, client, clk, logger, metrics)
	snapshots := membership.NewSnapshotManager(table, st, cfg.Cleanup.SnapshotInterval.Std(), clk, logger)

	boot, err := bootstrap.NewClient(cfg.Bootstrap, id, endpoint, cfg.Node.Region,
		table, engine, clk, logger, metrics)
	if err != nil {
		st.Close()
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		id:        id,
		clock:     clk,
		logger:    logger,
		registry:  registry,
		metrics:   metrics,
		store:     st,
		table:     table,
		engine:    engine,
		coord:     coord,
		snapshots: snapshots,
		boot:      boot,
		stopCh:    make(chan struct{}),
	}
	n.server = transport.NewServer(engine, st, n, n, registry, logger)
	return n, nil
}

// Status reports the node's identity, membership view and queue depth.
func (n *Node) Status() transport.StatusReport {
	members := n.table.All()
	counts := make(map[string]int)
	for status, c := range n.table.CountByStatus() {
		counts[status.String()] = c
	}
	endpoint := n.cfg.Node.Endpoint
	if endpoint == "" {
		endpoint = n.cfg.Node.BindAddress
	}
	return transport.StatusReport{
		ServerID:       n.id.ServerID,
		Endpoint:       endpoint,
		Region:         n.cfg.Node.Region,
		Members:        members,
		Counts:         counts,
		PendingRetries: n.coord.PendingRetries(),
	}
}

// Start brings the node up: warm-start the membership table, contact the
// bootstrap path, then run all the loops. The returned channel reports a
// fatal HTTP listener error.
func (n *Node) Start(ctx context.Context) (<-chan error, error) {
	if err := n.snapshots.Restore(); err != nil {
		n.logger.Warn("membership snapshot restore failed", zap.Error(err))
	}
	if err := n.boot.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	errCh := n.server.Start(n.cfg.Node.BindAddress)
	n.engine.Start()
	n.coord.Start()
	n.snapshots.Start()
	n.boot.StartHeartbeat()

	n.wg.Add(1)
	go n.gcLoop()

	n.logger.Info("node started",
		zap.String("bind", n.cfg.Node.BindAddress),
		zap.Int("known_peers", len(n.table.All())-1))
	return errCh, nil
}

// Shutdown leaves the federation gracefully: announce departure, drop the
// directory registration, take a final membership checkpoint and stop
// serving.
func (n *Node) Shutdown(ctx context.Context) error {
	var err error
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()

		n.engine.AnnounceLeave()
		n.boot.Stop()

		close(n.stopCh)
		n.wg.Wait()
		n.engine.Stop()
		n.coord.Stop()
		n.snapshots.Stop()

		err = n.server.Shutdown(ctx)
		if cerr := n.store.Close(); err == nil {
			err = cerr
		}
		n.logger.Info("node stopped")
	})
	return err
}

// ServerID returns this node's stable identity.
func (n *Node) ServerID() types.ServerID { return n.id.ServerID }

// Table exposes the membership table for status reporting.
func (n *Node) Table() *membership.Table { return n.table }

// Registry exposes the metrics registry.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Publish stores a rendezvous record under hash with quorum replication.
// The dead drop and relay hints are optional; a record carrying neither
// still announces presence under the hash. A requested TTL is capped at
// the hash class limit, which also applies when none is given. The
// record's vector clock extends the latest version visible at read quorum.
func (n *Node) Publish(ctx context.Context, hash types.DiscoveryHash, peer types.PeerID, deadDrop, relayID string, ttl time.Duration) (types.RendezvousRecord, error) {
	if n.shuttingDown() {
		return types.RendezvousRecord{}, types.ErrShuttingDown
	}
	if hash == "" || peer == "" {
		return types.RendezvousRecord{}, fmt.Errorf("publish requires hash and peer")
	}

	classTTL := n.cfg.Cleanup.DailyPointTTL.Std()
	if hash.IsHourly() {
		classTTL = n.cfg.Cleanup.HourlyTokenTTL.Std()
	}
	if ttl <= 0 || ttl > classTTL {
		ttl = classTTL
	}

	clk := vclock.Clock{}
	if existing, err := n.coord.Read(ctx, hash); err == nil {
		for _, rec := range existing {
			if rec.PeerID == peer {
				clk = rec.Clock.Copy()
				break
			}
		}
	}
	clk.Tick(string(n.id.ServerID))

	now := n.clock.Now()
	rec := types.RendezvousRecord{
		Hash:      hash,
		PeerID:    peer,
		DeadDrop:  deadDrop,
		RelayID:   relayID,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
		Clock:     clk,
	}
	if err := n.coord.Write(ctx, rec); err != nil {
		return types.RendezvousRecord{}, err
	}
	n.logger.Debug("rendezvous published",
		zap.String("hash", string(hash)), zap.String("peer", string(peer)),
		zap.Duration("ttl", ttl))
	return rec, nil
}

// Lookup returns the live rendezvous records for hash at read quorum, or
// ErrNotFound when none exist.
func (n *Node) Lookup(ctx context.Context, hash types.DiscoveryHash) ([]types.RendezvousRecord, error) {
	if n.shuttingDown() {
		return nil, types.ErrShuttingDown
	}
	recs, err := n.coord.Read(ctx, hash)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, types.ErrNotFound
	}
	return recs, nil
}

// RegisterRelay records a relay capacity advertisement. Relay state is
// node-local and expires without refreshes.
func (n *Node) RegisterRelay(_ context.Context, reg types.RelayRegistration) error {
	if n.shuttingDown() {
		return types.ErrShuttingDown
	}
	reg.LastUpdate = n.clock.Now()
	return n.store.UpsertRelay(reg)
}

// Relays lists the relay advertisements refreshed recently.
func (n *Node) Relays(_ context.Context) ([]types.RelayRegistration, error) {
	return n.store.Relays(relayMaxAge)
}

func (n *Node) shuttingDown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

// gcLoop periodically drops expired records, stale relays and long-dead
// membership entries, pruning orphaned vector clock components with them.
func (n *Node) gcLoop() {
	defer n.wg.Done()
	ticker := n.clock.Ticker(n.cfg.Cleanup.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.runGC()
		case <-n.stopCh:
			return
		}
	}
}

// RunGC executes one cleanup pass. Exported so tests can drive it.
func (n *Node) RunGC() { n.runGC() }

func (n *Node) runGC() {
	if swept, err := n.store.SweepExpired(); err != nil {
		n.logger.Error("record sweep failed", zap.Error(err))
	} else if swept > 0 {
		n.metrics.RecordsSwept.Add(float64(swept))
	}

	if swept, err := n.store.SweepRelays(relayMaxAge); err != nil {
		n.logger.Error("relay sweep failed", zap.Error(err))
	} else if swept > 0 {
		n.metrics.RelaysSwept.Add(float64(swept))
	}

	evicted := n.table.EvictDead(n.cfg.Cleanup.DeadEvictionGrace.Std())
	if len(evicted) == 0 {
		return
	}
	// Once a server is evicted its clock components can never advance
	// again, so dropping them from stored records is safe.
	err := n.store.PruneClocks(func(id string) bool {
		return n.table.Contains(types.ServerID(id))
	})
	if err != nil {
		n.logger.Error("clock prune failed", zap.Error(err))
	}
}
