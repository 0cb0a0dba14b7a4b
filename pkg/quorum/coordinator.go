// Package quorum routes rendezvous reads and writes to replica sets drawn
// from a consistent-hash ring over the Alive membership. Consistency is
// quorum-based and never silently weakened: operations that cannot reach
// enough replicas fail with ErrInsufficientReplicas.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fedmesh/pkg/config"
	"fedmesh/pkg/membership"
	"fedmesh/pkg/ring"
	"fedmesh/pkg/telemetry"
	"fedmesh/pkg/types"
	"fedmesh/pkg/vclock"
)

// ReplicaClient talks to a remote replica's internal store surface.
type ReplicaClient interface {
	StoreRecord(ctx context.Context, endpoint string, rec types.RendezvousRecord) error
	FetchRecords(ctx context.Context, endpoint string, hash types.DiscoveryHash) ([]types.RendezvousRecord, error)
}

// LocalStore is the node's own replica.
type LocalStore interface {
	Put(rec types.RendezvousRecord) (bool, error)
	Get(hash types.DiscoveryHash) ([]types.RendezvousRecord, error)
}

// Coordinator owns the ring and fans operations out to replicas.
type Coordinator struct {
	cfg     config.DHTConfig
	selfID  types.ServerID
	table   *membership.Table
	local   LocalStore
	client  ReplicaClient
	clock   clock.Clock
	logger  *zap.Logger
	metrics *telemetry.Metrics

	// The ring is immutable; membership churn builds a replacement and
	// swaps the pointer. Operations keep the snapshot they loaded.
	ring  atomic.Pointer[ring.Ring]
	retry *retryQueue
}

// NewCoordinator builds a coordinator and subscribes it to membership
// changes so the ring tracks the Alive set.
func NewCoordinator(cfg config.DHTConfig, table *membership.Table, local LocalStore,
	client ReplicaClient, clk clock.Clock, logger *zap.Logger, metrics *telemetry.Metrics) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		selfID:  table.Self().ServerID,
		table:   table,
		local:   local,
		client:  client,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}
	c.retry = newRetryQueue(c, clk, logger, metrics)
	c.RebuildRing()
	table.OnChange(c.RebuildRing)
	return c
}

// Start launches the background replica retry loop.
func (c *Coordinator) Start() { c.retry.start() }

// Stop halts the retry loop.
func (c *Coordinator) Stop() { c.retry.stop() }

// RebuildRing swaps in a fresh ring over the current Alive servers.
func (c *Coordinator) RebuildRing() {
	r := ring.Build(c.table.Alive(), c.cfg.VirtualNodes)
	c.ring.Store(r)
	c.logger.Debug("replica ring rebuilt", zap.Int("members", r.Size()))
}

// Replicas returns the replica set currently responsible for hash.
func (c *Coordinator) Replicas(hash types.DiscoveryHash) []ring.Member {
	return c.ring.Load().ReplicaSet(string(hash), c.cfg.ReplicationFactor)
}

// Write fans the record out to its replica set and returns once
// WriteQuorum replicas acknowledged. Unreached replicas are handed to the
// background retry queue; anti-entropy covers whatever that misses.
func (c *Coordinator) Write(ctx context.Context, rec types.RendezvousRecord) error {
	c.metrics.QuorumWrites.Inc()
	start := time.Now()
	defer func() { c.metrics.QuorumWriteLatency.Observe(time.Since(start).Seconds()) }()

	replicas := c.Replicas(rec.Hash)
	if len(replicas) < c.cfg.WriteQuorum {
		c.metrics.QuorumFailures.WithLabelValues("write", "insufficient_replicas").Inc()
		return fmt.Errorf("%d alive replicas for %q, need %d: %w",
			len(replicas), rec.Hash, c.cfg.WriteQuorum, types.ErrInsufficientReplicas)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout.Std())
	defer cancel()

	results := make(chan writeResult, len(replicas))
	for _, m := range replicas {
		go func(m ring.Member) {
			results <- writeResult{member: m, err: c.storeOne(opCtx, m, rec)}
		}(m)
	}

	acked, failed := 0, 0
	var late int32 = int32(len(replicas))
	for acked < c.cfg.WriteQuorum && acked+failed < len(replicas) {
		select {
		case res := <-results:
			atomic.AddInt32(&late, -1)
			if res.err != nil {
				failed++
				c.queueRetry(res.member, rec)
			} else {
				acked++
			}
		case <-opCtx.Done():
			// Acks already received still count; the rest are abandoned
			// here and retried in the background as their calls time out.
			c.drainLate(results, &late, rec)
			return c.writeOutcome(acked, rec)
		}
	}
	c.drainLate(results, &late, rec)
	return c.writeOutcome(acked, rec)
}

func (c *Coordinator) writeOutcome(acked int, rec types.RendezvousRecord) error {
	if acked >= c.cfg.WriteQuorum {
		return nil
	}
	c.metrics.QuorumFailures.WithLabelValues("write", "quorum_timeout").Inc()
	return fmt.Errorf("write acknowledged by %d of %d required replicas: %w",
		acked, c.cfg.WriteQuorum, types.ErrInsufficientReplicas)
}

type writeResult struct {
	member ring.Member
	err    error
}

// drainLate consumes straggler results in the background so their
// failures still reach the retry queue.
func (c *Coordinator) drainLate(results chan writeResult, remaining *int32, rec types.RendezvousRecord) {
	if atomic.LoadInt32(remaining) <= 0 {
		return
	}
	go func() {
		for atomic.AddInt32(remaining, -1) >= 0 {
			res := <-results
			if res.err != nil {
				c.queueRetry(res.member, rec)
			}
		}
	}()
}

func (c *Coordinator) queueRetry(m ring.Member, rec types.RendezvousRecord) {
	if m.ServerID == c.selfID {
		return
	}
	c.metrics.ReplicaRetryQueued.Inc()
	c.retry.add(m.Endpoint, rec)
}

func (c *Coordinator) storeOne(ctx context.Context, m ring.Member, rec types.RendezvousRecord) error {
	if m.ServerID == c.selfID {
		// A stale version counts as an ack; the local replica already
		// holds something at least as new.
		if _, err := c.local.Put(rec); err != nil && !errors.Is(err, types.ErrStaleWrite) {
			return err
		}
		return nil
	}
	return c.client.StoreRecord(ctx, m.Endpoint, rec)
}

// Read queries the replica set and returns the causally newest version
// per peer ID, merged by vector-clock dominance with the deterministic
// tie-break for concurrent versions. Stale replicas are repaired in the
// background.
func (c *Coordinator) Read(ctx context.Context, hash types.DiscoveryHash) ([]types.RendezvousRecord, error) {
	c.metrics.QuorumReads.Inc()
	start := time.Now()
	defer func() { c.metrics.QuorumReadLatency.Observe(time.Since(start).Seconds()) }()

	replicas := c.Replicas(hash)
	if len(replicas) < c.cfg.ReadQuorum {
		c.metrics.QuorumFailures.WithLabelValues("read", "insufficient_replicas").Inc()
		return nil, fmt.Errorf("%d alive replicas for %q, need %d: %w",
			len(replicas), hash, c.cfg.ReadQuorum, types.ErrInsufficientReplicas)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout.Std())
	defer cancel()

	type result struct {
		member  ring.Member
		records []types.RendezvousRecord
		err     error
	}
	results := make(chan result, len(replicas))
	for _, m := range replicas {
		go func(m ring.Member) {
			recs, err := c.fetchOne(opCtx, m, hash)
			results <- result{member: m, records: recs, err: err}
		}(m)
	}

	responded := make(map[types.ServerID]map[types.PeerID]types.RendezvousRecord)
	endpoints := make(map[types.ServerID]ring.Member)
	var answered, failed int
	for answered < c.cfg.ReadQuorum && answered+failed < len(replicas) {
		select {
		case res := <-results:
			if res.err != nil {
				failed++
				continue
			}
			byPeer := make(map[types.PeerID]types.RendezvousRecord, len(res.records))
			for _, r := range res.records {
				byPeer[r.PeerID] = r
			}
			responded[res.member.ServerID] = byPeer
			endpoints[res.member.ServerID] = res.member
			answered++
		case <-opCtx.Done():
			answered = -1 // force exit
		}
		if answered == -1 {
			break
		}
	}

	if len(responded) < c.cfg.ReadQuorum {
		c.metrics.QuorumFailures.WithLabelValues("read", "quorum_timeout").Inc()
		return nil, fmt.Errorf("read answered by %d of %d required replicas: %w",
			len(responded), c.cfg.ReadQuorum, types.ErrInsufficientReplicas)
	}

	winners := c.mergeVersions(responded)
	c.readRepair(winners, responded, endpoints)

	out := make([]types.RendezvousRecord, 0, len(winners))
	now := c.clock.Now()
	for _, w := range winners {
		if !w.Expired(now) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (c *Coordinator) fetchOne(ctx context.Context, m ring.Member, hash types.DiscoveryHash) ([]types.RendezvousRecord, error) {
	if m.ServerID == c.selfID {
		return c.local.Get(hash)
	}
	return c.client.FetchRecords(ctx, m.Endpoint, hash)
}

// mergeVersions folds every returned version into one winner per peer ID.
// Dominated versions are discarded; concurrent ones merge clocks and take
// the deterministic tie-break, so the outcome is order-independent.
func (c *Coordinator) mergeVersions(responses map[types.ServerID]map[types.PeerID]types.RendezvousRecord) map[types.PeerID]types.RendezvousRecord {
	winners := make(map[types.PeerID]types.RendezvousRecord)
	for _, byPeer := range responses {
		for peer, candidate := range byPeer {
			current, ok := winners[peer]
			if !ok {
				winners[peer] = candidate
				continue
			}
			winners[peer] = mergeRecords(current, candidate)
		}
	}
	return winners
}

func mergeRecords(a, b types.RendezvousRecord) types.RendezvousRecord {
	switch b.Clock.Compare(a.Clock) {
	case vclock.After:
		return b
	case vclock.Before, vclock.Equal:
		return a
	}
	merged := a.Clock.Merge(b.Clock)
	winner := a
	if b.WinsTieBreak(a) {
		winner = b
	}
	winner.Clock = merged
	return winner
}

// readRepair pushes merged winners back to replicas that returned a
// missing or dominated version for that peer.
func (c *Coordinator) readRepair(winners map[types.PeerID]types.RendezvousRecord,
	responses map[types.ServerID]map[types.PeerID]types.RendezvousRecord,
	endpoints map[types.ServerID]ring.Member) {

	for serverID, byPeer := range responses {
		member := endpoints[serverID]
		for peer, winner := range winners {
			held, ok := byPeer[peer]
			if ok && held.Clock.Compare(winner.Clock) == vclock.Equal {
				continue
			}
			c.metrics.ReadRepairs.Inc()
			go func(m ring.Member, rec types.RendezvousRecord) {
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout.Std())
				defer cancel()
				if err := c.storeOne(ctx, m, rec); err != nil {
					c.logger.Debug("read repair failed",
						zap.String("replica", string(m.ServerID)), zap.Error(err))
				}
			}(member, winner)
		}
	}
}

// FlushRetries synchronously attempts every due background retry.
func (c *Coordinator) FlushRetries() {
	c.retry.flush()
}
