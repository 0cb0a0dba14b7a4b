// Package gossip runs SWIM-style failure detection and membership
// dissemination: periodic random probes with piggybacked updates, indirect
// probes before suspicion, suspicion timeouts before death, and full
// anti-entropy exchanges to catch anything the rumor path missed.
package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"fedmesh/pkg/config"
	"fedmesh/pkg/membership"
	"fedmesh/pkg/telemetry"
	"fedmesh/pkg/types"
)

// Transport sends gossip messages to a peer endpoint. Exchange is
// request/response (ping, ping-req, state sync); Notify is one-way
// (alive broadcasts after refutation, leave announcements).
type Transport interface {
	Exchange(ctx context.Context, endpoint string, env Envelope) (Envelope, error)
	Notify(ctx context.Context, endpoint string, env Envelope) error
}

// Size of the duplicate-suppression cache. Re-applying a message is
// harmless (merges are idempotent) but skipping known ones saves work.
const seenCacheSize = 4096

// Engine drives the gossip protocol for one node.
type Engine struct {
	cfg       config.GossipConfig
	self      types.ServerID
	table     *membership.Table
	transport Transport
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	seen *lru.Cache[string, struct{}]
	seq  atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine wires an engine; call Start to begin gossiping.
func NewEngine(cfg config.GossipConfig, table *membership.Table, transport Transport,
	clk clock.Clock, logger *zap.Logger, metrics *telemetry.Metrics) *Engine {
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	return &Engine{
		cfg:       cfg,
		self:      table.Self().ServerID,
		table:     table,
		transport: transport,
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
		seen:      seen,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the probe and anti-entropy loops.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.probeLoop()
	go e.antiEntropyLoop()
}

// Stop halts both loops. In-flight probes finish on their own timeouts.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) probeLoop() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Round()
		case <-e.stopCh:
			return
		}
	}
}

// Round executes one gossip tick: expire overdue suspects, then probe a
// random subset of peers. Exported so tests can drive rounds directly.
func (e *Engine) Round() {
	e.metrics.GossipRounds.Inc()

	dead := make(map[types.ServerID]struct{})
	for _, id := range e.table.OverdueSuspects(e.cfg.FailureTimeout.Std()) {
		dead[id] = struct{}{}
		if e.table.MarkDead(id) {
			e.logger.Warn("suspect exceeded failure timeout", zap.String("server", string(id)))
		}
	}

	for status, n := range e.table.CountByStatus() {
		e.metrics.MembersByStatus.WithLabelValues(status.String()).Set(float64(n))
	}

	// Probes run in parallel but the round waits for them; every probe is
	// bounded by the ping timeouts, so the tick loop can never stall on a
	// slow peer for longer than that.
	var wg sync.WaitGroup

	// Suspects past the suspicion timeout but short of the failure timeout
	// get a confirmation pass before the death declaration.
	for _, id := range e.table.OverdueSuspects(e.cfg.SuspicionTimeout.Std()) {
		if _, gone := dead[id]; gone {
			continue
		}
		wg.Add(1)
		go func(id types.ServerID) {
			defer wg.Done()
			e.confirmSuspect(id)
		}(id)
	}

	for _, target := range pick(e.table.Probeable(), e.cfg.Fanout, "") {
		wg.Add(1)
		go func(target types.KnownServer) {
			defer wg.Done()
			e.probe(target)
		}(target)
	}
	wg.Wait()
}

// confirmSuspect re-probes an overdue suspect directly. The ping carries
// our Suspect claim, so a live target refutes it in its ack; a silent one
// has the suspicion pushed to fanout peers that may still reach it.
func (e *Engine) confirmSuspect(id types.ServerID) {
	target, ok := e.table.Get(id)
	if !ok || target.Endpoint == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PingTimeout.Std())
	ack, err := e.transport.Exchange(ctx, target.Endpoint, e.envelope(KindPing))
	cancel()
	if err == nil && ack.Kind == KindAck {
		e.table.Observe(id)
		e.process(ack)
		return
	}
	e.metrics.PingFailures.Inc()

	env := e.envelope(KindSuspect)
	env.Deltas = append(env.Deltas, target)
	nctx, ncancel := context.WithTimeout(context.Background(), 2*e.cfg.PingTimeout.Std())
	defer ncancel()
	for _, peer := range pick(e.table.Probeable(), e.cfg.Fanout, id) {
		_ = e.transport.Notify(nctx, peer.Endpoint, env)
	}
}

// probe pings one peer directly, falls back to indirect probes through
// other members, and marks the peer Suspect when both fail. RPC failures
// feed the suspicion state machine; they are never engine errors.
func (e *Engine) probe(target types.KnownServer) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PingTimeout.Std())
	ack, err := e.transport.Exchange(ctx, target.Endpoint, e.envelope(KindPing))
	cancel()
	if err == nil && ack.Kind == KindAck {
		e.table.Observe(target.ServerID)
		e.process(ack)
		return
	}
	e.metrics.PingFailures.Inc()

	if e.indirectProbe(target) {
		e.table.Observe(target.ServerID)
		return
	}

	if e.table.MarkSuspect(target.ServerID) {
		e.logger.Info("no ack from peer, marking suspect",
			zap.String("server", string(target.ServerID)),
			zap.String("endpoint", target.Endpoint))
	}
}

// indirectProbe asks up to IndirectPingCount other members to ping the
// target on our behalf. Any relayed ack clears the failure.
func (e *Engine) indirectProbe(target types.KnownServer) bool {
	helpers := pick(e.table.Probeable(), e.cfg.IndirectPingCount, target.ServerID)
	if len(helpers) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.PingTimeout.Std())
	defer cancel()

	acked := make(chan Envelope, len(helpers))
	for _, h := range helpers {
		e.metrics.IndirectProbes.Inc()
		go func(helper types.KnownServer) {
			env := e.envelope(KindPingReq)
			env.Target = target.ServerID
			env.TargetEndpoint = target.Endpoint
			resp, err := e.transport.Exchange(ctx, helper.Endpoint, env)
			if err == nil && resp.Kind == KindAck {
				acked <- resp
			}
		}(h)
	}

	select {
	case resp := <-acked:
		e.process(resp)
		return true
	case <-ctx.Done():
		return false
	}
}

// Join introduces this node to a peer known only by endpoint: a full
// state exchange teaches us its identity and membership view, and it
// learns ours.
func (e *Engine) Join(ctx context.Context, endpoint string) error {
	env := e.envelope(KindStateSync)
	env.Members = e.table.All()

	resp, err := e.transport.Exchange(ctx, endpoint, env)
	if err != nil {
		return fmt.Errorf("join via %s: %w", endpoint, err)
	}
	e.process(resp)
	return nil
}

func (e *Engine) antiEntropyLoop() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.StateExchangeInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.AntiEntropy()
		case <-e.stopCh:
			return
		}
	}
}

// AntiEntropy performs one full state exchange with a random alive peer.
func (e *Engine) AntiEntropy() {
	candidates := pick(e.table.Probeable(), 1, "")
	if len(candidates) == 0 {
		return
	}
	peer := candidates[0]
	e.metrics.AntiEntropyRuns.Inc()

	env := e.envelope(KindStateSync)
	env.Members = e.table.All()

	ctx, cancel := context.WithTimeout(context.Background(), 10*e.cfg.PingTimeout.Std())
	defer cancel()
	resp, err := e.transport.Exchange(ctx, peer.Endpoint, env)
	if err != nil {
		e.logger.Debug("anti-entropy exchange failed",
			zap.String("server", string(peer.ServerID)), zap.Error(err))
		return
	}
	e.table.Observe(peer.ServerID)
	e.process(resp)
}

// HandleMessage is the server-side dispatch for every inbound gossip
// message. Unknown kinds are dropped with an error; the caller logs and
// answers 400, nothing more.
func (e *Engine) HandleMessage(ctx context.Context, env Envelope) (Envelope, error) {
	if !env.Kind.Valid() || env.From == "" {
		e.metrics.MalformedPayload.Inc()
		return Envelope{}, fmt.Errorf("malformed gossip message kind %q", env.Kind)
	}
	e.metrics.GossipMessages.Inc()

	switch env.Kind {
	case KindPing, KindAck, KindSuspect, KindAlive, KindDead:
		e.process(env)
		e.table.Observe(env.From)
		return e.ackEnvelope(), nil

	case KindPingReq:
		return e.relayPing(ctx, env)

	case KindStateSync:
		e.process(env)
		e.table.Observe(env.From)
		resp := e.envelope(KindStateSync)
		resp.Members = e.table.All()
		return resp, nil
	}
	return Envelope{}, fmt.Errorf("unhandled gossip kind %q", env.Kind)
}

// relayPing probes env.Target on behalf of the requester. A failed relay
// is an error so the requester counts it as a failed indirect probe.
func (e *Engine) relayPing(ctx context.Context, env Envelope) (Envelope, error) {
	endpoint := env.TargetEndpoint
	if target, ok := e.table.Get(env.Target); ok && target.Endpoint != "" {
		endpoint = target.Endpoint
	}
	if endpoint == "" {
		return Envelope{}, fmt.Errorf("unknown ping-req target %s", env.Target)
	}

	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.PingTimeout.Std())
	defer cancel()
	ack, err := e.transport.Exchange(pingCtx, endpoint, e.envelope(KindPing))
	if err != nil || ack.Kind != KindAck {
		return Envelope{}, fmt.Errorf("relay ping to %s failed: %w", env.Target, err)
	}
	e.table.Observe(env.Target)
	e.process(ack)
	return e.ackEnvelope(), nil
}

// process merges the membership claims an envelope carries. If a claim
// forced the local server to refute suspicion of itself, the fresh Alive
// announcement is pushed to fanout peers immediately rather than waiting
// for the next tick's piggybacking.
func (e *Engine) process(env Envelope) {
	if _, dup := e.seen.Get(env.ID()); dup {
		e.metrics.DuplicateDrops.Inc()
		return
	}
	e.seen.Add(env.ID(), struct{}{})

	before := e.table.Self().Incarnation
	e.table.MergeAll(env.Deltas)
	if len(env.Members) > 0 {
		e.table.MergeAll(env.Members)
	}
	if after := e.table.Self().Incarnation; after > before {
		e.metrics.Refutations.Inc()
		go e.broadcastAlive(after)
	}
}

// broadcastAlive pushes our Alive entry at the new incarnation to fanout
// peers so stale suspicion dies within one propagation window.
func (e *Engine) broadcastAlive(incarnation uint64) {
	env := e.envelope(KindAlive)
	env.Deltas = []types.KnownServer{e.table.Self()}

	targets := pick(e.table.Probeable(), e.cfg.Fanout, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.PingTimeout.Std())
	defer cancel()
	for _, t := range targets {
		if err := e.transport.Notify(ctx, t.Endpoint, env); err != nil {
			e.logger.Debug("alive broadcast failed",
				zap.String("server", string(t.ServerID)), zap.Error(err))
		}
	}
	e.logger.Info("broadcast alive refutation", zap.Uint64("incarnation", incarnation))
}

// AnnounceLeave disseminates a graceful departure to fanout peers.
func (e *Engine) AnnounceLeave() {
	left := e.table.Leave()
	env := e.envelope(KindDead)
	env.Deltas = []types.KnownServer{left}

	targets := pick(e.table.Probeable(), e.cfg.Fanout, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.PingTimeout.Std())
	defer cancel()
	for _, t := range targets {
		_ = e.transport.Notify(ctx, t.Endpoint, env)
	}
}

func (e *Engine) envelope(kind Kind) Envelope {
	env := Envelope{Kind: kind, From: e.self, Seq: e.seq.Add(1)}
	env.Deltas = e.table.Deltas(e.cfg.MaxDeltas)
	return env
}

func (e *Engine) ackEnvelope() Envelope {
	return e.envelope(KindAck)
}

// pick returns up to n random entries, excluding the given server ID.
func pick(from []types.KnownServer, n int, exclude types.ServerID) []types.KnownServer {
	if n < 1 {
		return nil
	}
	candidates := make([]types.KnownServer, 0, len(from))
	for _, s := range from {
		if s.ServerID != exclude {
			candidates = append(candidates, s)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}
