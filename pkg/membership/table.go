// Package membership maintains this node's view of all federation peers.
// All mutation goes through per-server atomic merges; no caller touches
// entries directly.
package membership

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fedmesh/pkg/types"
)

// Retransmit budget for piggybacked updates. Each change is disseminated
// on this many outgoing gossip messages before it ages out of the queue;
// anti-entropy covers anything missed.
const updateTransmits = 3

type entry struct {
	server      types.KnownServer
	statusSince time.Time
}

type update struct {
	server    types.KnownServer
	transmits int
}

// Table is the membership view. The local server is always present and
// always Alive; external suspicion of it triggers an incarnation bump
// instead of a status change.
type Table struct {
	mu        sync.Mutex
	selfID    types.ServerID
	servers   map[types.ServerID]*entry
	updates   map[types.ServerID]*update
	listeners []func()

	clock  clock.Clock
	logger *zap.Logger
}

// NewTable creates a table seeded with the local server entry.
func NewTable(self types.KnownServer, clk clock.Clock, logger *zap.Logger) *Table {
	self.Status = types.StatusAlive
	t := &Table{
		selfID:  self.ServerID,
		servers: make(map[types.ServerID]*entry),
		updates: make(map[types.ServerID]*update),
		clock:   clk,
		logger:  logger,
	}
	self.LastSeen = clk.Now()
	t.servers[self.ServerID] = &entry{server: self, statusSince: clk.Now()}
	return t
}

// OnChange registers a callback fired after the set of Alive servers
// changes. Used to rebuild the replica ring.
func (t *Table) OnChange(fn func()) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Self returns the local entry at its current incarnation.
func (t *Table) Self() types.KnownServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.servers[t.selfID].server
}

// Get returns the entry for id.
func (t *Table) Get(id types.ServerID) (types.KnownServer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.servers[id]
	if !ok {
		return types.KnownServer{}, false
	}
	return e.server, true
}

// All returns a copy of every entry.
func (t *Table) All() []types.KnownServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.KnownServer, 0, len(t.servers))
	for _, e := range t.servers {
		out = append(out, e.server)
	}
	return out
}

// Alive returns every Alive entry, local server included.
func (t *Table) Alive() []types.KnownServer {
	return t.byStatus(types.StatusAlive)
}

// Probeable returns the Alive and Suspect peers, excluding the local
// server. These are the ping candidates for a gossip round.
func (t *Table) Probeable() []types.KnownServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.KnownServer
	for id, e := range t.servers {
		if id == t.selfID {
			continue
		}
		if e.server.Status == types.StatusAlive || e.server.Status == types.StatusSuspect {
			out = append(out, e.server)
		}
	}
	return out
}

func (t *Table) byStatus(status types.Status) []types.KnownServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.KnownServer
	for _, e := range t.servers {
		if e.server.Status == status {
			out = append(out, e.server)
		}
	}
	return out
}

// CountByStatus returns how many entries hold each status.
func (t *Table) CountByStatus() map[types.Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.Status]int)
	for _, e := range t.servers {
		out[e.server.Status]++
	}
	return out
}

// Merge applies one remote claim about a server under the invariant:
// lower incarnation is discarded; at equal incarnation higher severity
// wins (dead > left > suspect > alive); a claim about the local server
// that is not Alive is refuted by bumping our incarnation and enqueueing
// a fresh Alive announcement. Returns true when local state changed.
func (t *Table) Merge(remote types.KnownServer) bool {
	if remote.ServerID == "" {
		return false
	}
	t.mu.Lock()
	changed, aliveChanged := t.mergeLocked(remote)
	t.mu.Unlock()
	if aliveChanged {
		t.notify()
	}
	return changed
}

// MergeAll applies a batch of claims and fires the change listeners at
// most once.
func (t *Table) MergeAll(remotes []types.KnownServer) int {
	var n int
	var aliveChanged bool
	t.mu.Lock()
	for _, r := range remotes {
		if r.ServerID == "" {
			continue
		}
		c, a := t.mergeLocked(r)
		if c {
			n++
		}
		aliveChanged = aliveChanged || a
	}
	t.mu.Unlock()
	if aliveChanged {
		t.notify()
	}
	return n
}

func (t *Table) mergeLocked(remote types.KnownServer) (changed, aliveChanged bool) {
	now := t.clock.Now()

	if remote.ServerID == t.selfID {
		return t.refuteLocked(remote), false
	}

	cur, ok := t.servers[remote.ServerID]
	if !ok {
		remote.LastSeen = now
		t.servers[remote.ServerID] = &entry{server: remote, statusSince: now}
		t.enqueueLocked(remote)
		t.logger.Debug("learned new federation peer",
			zap.String("server", string(remote.ServerID)),
			zap.String("status", remote.Status.String()))
		return true, remote.Status == types.StatusAlive
	}

	if remote.Incarnation < cur.server.Incarnation {
		return false, false
	}
	if remote.Incarnation == cur.server.Incarnation &&
		remote.Status.Severity() <= cur.server.Status.Severity() {
		// No new information; still refresh endpoint metadata we lack.
		if cur.server.Endpoint == "" && remote.Endpoint != "" {
			cur.server.Endpoint = remote.Endpoint
		}
		return false, false
	}

	wasAlive := cur.server.Status == types.StatusAlive
	prev := cur.server
	cur.server = remote
	if remote.Endpoint == "" {
		cur.server.Endpoint = prev.Endpoint
	}
	if len(remote.PublicKey) == 0 {
		cur.server.PublicKey = prev.PublicKey
	}
	cur.server.LastSeen = now
	cur.statusSince = now
	t.enqueueLocked(cur.server)

	isAlive := cur.server.Status == types.StatusAlive
	if prev.Status != cur.server.Status {
		t.logger.Info("peer status changed",
			zap.String("server", string(remote.ServerID)),
			zap.String("from", prev.Status.String()),
			zap.String("to", cur.server.Status.String()),
			zap.Uint64("incarnation", cur.server.Incarnation))
	}
	return true, wasAlive != isAlive
}

// refuteLocked handles claims about the local server. Self-issued Alive at
// a higher incarnation overrides stale suspicion everywhere, so any
// Suspect/Dead claim at our incarnation or above bumps us past it.
func (t *Table) refuteLocked(remote types.KnownServer) bool {
	self := t.servers[t.selfID]
	if remote.Status == types.StatusAlive || remote.Incarnation < self.server.Incarnation {
		return false
	}
	self.server.Incarnation = remote.Incarnation + 1
	self.server.LastSeen = t.clock.Now()
	t.enqueueLocked(self.server)
	t.logger.Warn("refuting external suspicion of local server",
		zap.String("claimed", remote.Status.String()),
		zap.Uint64("new_incarnation", self.server.Incarnation))
	return true
}

// MarkSuspect flags a peer after failed direct and indirect probes.
func (t *Table) MarkSuspect(id types.ServerID) bool {
	return t.setStatus(id, types.StatusSuspect)
}

// MarkDead declares a peer failed after the failure timeout.
func (t *Table) MarkDead(id types.ServerID) bool {
	return t.setStatus(id, types.StatusDead)
}

func (t *Table) setStatus(id types.ServerID, status types.Status) bool {
	t.mu.Lock()
	if id == t.selfID {
		t.mu.Unlock()
		return false
	}
	e, ok := t.servers[id]
	if !ok || e.server.Status.Severity() >= status.Severity() {
		t.mu.Unlock()
		return false
	}
	wasAlive := e.server.Status == types.StatusAlive
	e.server.Status = status
	e.statusSince = t.clock.Now()
	t.enqueueLocked(e.server)
	t.logger.Info("peer marked",
		zap.String("server", string(id)),
		zap.String("status", status.String()),
		zap.Uint64("incarnation", e.server.Incarnation))
	t.mu.Unlock()
	if wasAlive {
		t.notify()
	}
	return true
}

// Observe records a successful direct exchange with a peer.
func (t *Table) Observe(id types.ServerID) {
	t.mu.Lock()
	if e, ok := t.servers[id]; ok {
		e.server.LastSeen = t.clock.Now()
	}
	t.mu.Unlock()
}

// BumpIncarnation increments the local incarnation and announces it.
func (t *Table) BumpIncarnation() uint64 {
	t.mu.Lock()
	self := t.servers[t.selfID]
	self.server.Incarnation++
	self.server.LastSeen = t.clock.Now()
	t.enqueueLocked(self.server)
	inc := self.server.Incarnation
	t.mu.Unlock()
	return inc
}

// Leave marks the local server as gracefully departed and returns the
// entry to disseminate.
func (t *Table) Leave() types.KnownServer {
	t.mu.Lock()
	self := t.servers[t.selfID]
	left := self.server
	left.Status = types.StatusLeft
	t.enqueueLocked(left)
	t.mu.Unlock()
	return left
}

// OverdueSuspects returns suspects whose status is older than timeout.
func (t *Table) OverdueSuspects(timeout time.Duration) []types.ServerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-timeout)
	var out []types.ServerID
	for id, e := range t.servers {
		if e.server.Status == types.StatusSuspect && e.statusSince.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// EvictDead removes Dead and Left entries older than grace and returns
// the evicted IDs. Vector clocks are pruned against the surviving set.
func (t *Table) EvictDead(grace time.Duration) []types.ServerID {
	t.mu.Lock()
	cutoff := t.clock.Now().Add(-grace)
	var evicted []types.ServerID
	for id, e := range t.servers {
		terminal := e.server.Status == types.StatusDead || e.server.Status == types.StatusLeft
		if terminal && e.statusSince.Before(cutoff) {
			delete(t.servers, id)
			delete(t.updates, id)
			evicted = append(evicted, id)
		}
	}
	t.mu.Unlock()
	if len(evicted) > 0 {
		t.logger.Info("evicted dead peers", zap.Int("count", len(evicted)))
	}
	return evicted
}

// Contains reports whether id is present in the table.
func (t *Table) Contains(id types.ServerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.servers[id]
	return ok
}

// Deltas pops up to max recently changed entries for piggybacking on an
// outgoing gossip message. The local entry is always included first so
// every message doubles as an Alive announcement.
func (t *Table) Deltas(max int) []types.KnownServer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []types.KnownServer{t.servers[t.selfID].server}
	for id, u := range t.updates {
		if len(out) >= max {
			break
		}
		if id == t.selfID {
			u.transmits--
			if u.transmits <= 0 {
				delete(t.updates, id)
			}
			continue
		}
		out = append(out, u.server)
		u.transmits--
		if u.transmits <= 0 {
			delete(t.updates, id)
		}
	}
	return out
}

// RestoreSnapshot pre-populates the table from a persisted snapshot. Every
// entry enters as Suspect: nothing loaded from disk is trusted until live
// gossip or a successful ping reconfirms it.
func (t *Table) RestoreSnapshot(entries []types.KnownServer) int {
	now := t.clock.Now()
	var n int
	t.mu.Lock()
	for _, e := range entries {
		if e.ServerID == "" || e.ServerID == t.selfID {
			continue
		}
		if _, ok := t.servers[e.ServerID]; ok {
			continue
		}
		e.Status = types.StatusSuspect
		t.servers[e.ServerID] = &entry{server: e, statusSince: now}
		n++
	}
	t.mu.Unlock()
	return n
}

func (t *Table) enqueueLocked(server types.KnownServer) {
	t.updates[server.ServerID] = &update{server: server, transmits: updateTransmits}
}

func (t *Table) notify() {
	t.mu.Lock()
	listeners := make([]func(), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
