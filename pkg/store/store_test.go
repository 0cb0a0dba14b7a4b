package store

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedmesh/pkg/types"
	"fedmesh/pkg/vclock"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(t.TempDir(), mock, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func record(hash, peer string, c vclock.Clock, expires time.Time) types.RendezvousRecord {
	return types.RendezvousRecord{
		Hash:      types.DiscoveryHash(hash),
		PeerID:    types.PeerID(peer),
		DeadDrop:  "drop-" + peer,
		ExpiresAt: expires,
		UpdatedAt: expires.Add(-time.Hour),
		Clock:     c,
	}
}

func TestPutAndGet(t *testing.T) {
	s, mock := newTestStore(t)
	exp := mock.Now().Add(time.Hour)

	applied, err := s.Put(record("day_abc", "peer1", vclock.Clock{"s1": 1}, exp))
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.Get("day_abc")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.PeerID("peer1"), got[0].PeerID)
	assert.Equal(t, vclock.Clock{"s1": 1}, got[0].Clock)
}

func TestMultiplePeersShareHash(t *testing.T) {
	s, mock := newTestStore(t)
	exp := mock.Now().Add(time.Hour)

	for _, peer := range []string{"peer1", "peer2", "peer3"} {
		_, err := s.Put(record("day_shared", peer, vclock.Clock{peer: 1}, exp))
		require.NoError(t, err)
	}

	got, err := s.Get("day_shared")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestStaleWriteIsNoOp(t *testing.T) {
	s, mock := newTestStore(t)
	exp := mock.Now().Add(time.Hour)

	fresh := record("day_k", "p", vclock.Clock{"s1": 2}, exp)
	_, err := s.Put(fresh)
	require.NoError(t, err)

	stale := record("day_k", "p", vclock.Clock{"s1": 1}, exp)
	stale.DeadDrop = "should-not-land"
	applied, err := s.Put(stale)
	assert.ErrorIs(t, err, types.ErrStaleWrite)
	assert.False(t, applied)

	got, err := s.Get("day_k")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "drop-p", got[0].DeadDrop)

	// Re-applying the identical record is equally stale.
	applied, err = s.Put(fresh)
	assert.ErrorIs(t, err, types.ErrStaleWrite)
	assert.False(t, applied)
}

func TestDominatingWriteOverwrites(t *testing.T) {
	s, mock := newTestStore(t)
	exp := mock.Now().Add(time.Hour)

	_, err := s.Put(record("day_k", "p", vclock.Clock{"s1": 1}, exp))
	require.NoError(t, err)

	newer := record("day_k", "p", vclock.Clock{"s1": 2}, exp)
	newer.DeadDrop = "updated"
	applied, err := s.Put(newer)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.Get("day_k")
	require.NoError(t, err)
	assert.Equal(t, "updated", got[0].DeadDrop)
}

func TestConcurrentMergeIsOrderIndependent(t *testing.T) {
	exp := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	a := record("day_k", "p", vclock.Clock{"s1": 2, "s2": 1}, exp)
	a.DeadDrop = "from-a"
	b := record("day_k", "p", vclock.Clock{"s1": 1, "s2": 2}, exp)
	b.DeadDrop = "from-b"

	s1, _ := newTestStore(t)
	_, err := s1.Put(a)
	require.NoError(t, err)
	_, err = s1.Put(b)
	require.NoError(t, err)

	s2, _ := newTestStore(t)
	_, err = s2.Put(b)
	require.NoError(t, err)
	_, err = s2.Put(a)
	require.NoError(t, err)

	got1, err := s1.Get("day_k")
	require.NoError(t, err)
	got2, err := s2.Get("day_k")
	require.NoError(t, err)
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)

	// Same winner either way, and the merged clock dominates both inputs.
	assert.Equal(t, got1[0].DeadDrop, got2[0].DeadDrop)
	assert.Equal(t, vclock.Clock{"s1": 2, "s2": 2}, got1[0].Clock)
	assert.True(t, got1[0].Clock.Dominates(a.Clock))
	assert.True(t, got1[0].Clock.Dominates(b.Clock))
}

func TestExpiredNeverReturned(t *testing.T) {
	s, mock := newTestStore(t)

	_, err := s.Put(record("hr_tok", "p", vclock.Clock{"s1": 1}, mock.Now().Add(time.Minute)))
	require.NoError(t, err)

	// Past expiry but before any sweep has run.
	mock.Add(2 * time.Minute)
	got, err := s.Get("hr_tok")
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := s.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPruneClocks(t *testing.T) {
	s, mock := newTestStore(t)
	_, err := s.Put(record("day_k", "p", vclock.Clock{"s1": 1, "gone": 4}, mock.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, s.PruneClocks(func(id string) bool { return id != "gone" }))

	got, err := s.Get("day_k")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, vclock.Clock{"s1": 1}, got[0].Clock)
}

func TestRelayRegistrations(t *testing.T) {
	s, mock := newTestStore(t)

	reg := types.RelayRegistration{
		PeerID:         "relay-1",
		MaxConnections: 100,
		ConnectedCount: 7,
		PublicKey:      []byte{1, 2, 3},
		LastUpdate:     mock.Now(),
	}
	require.NoError(t, s.UpsertRelay(reg))

	// Refresh bumps counts in place.
	reg.ConnectedCount = 9
	require.NoError(t, s.UpsertRelay(reg))

	relays, err := s.Relays(time.Hour)
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, 9, relays[0].ConnectedCount)
	assert.Equal(t, []byte{1, 2, 3}, relays[0].PublicKey)

	mock.Add(2 * time.Hour)
	relays, err = s.Relays(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, relays)

	n, err := s.SweepRelays(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, mock := newTestStore(t)

	entries := []types.KnownServer{
		{ServerID: "srv-a", Endpoint: "10.0.0.1:7946", Status: types.StatusAlive, Incarnation: 3, LastSeen: mock.Now()},
		{ServerID: "srv-b", Endpoint: "10.0.0.2:7946", Status: types.StatusDead, Incarnation: 1, LastSeen: mock.Now()},
	}
	require.NoError(t, s.SaveSnapshot(entries))

	loaded, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// A later snapshot replaces, never appends.
	require.NoError(t, s.SaveSnapshot(entries[:1]))
	loaded, err = s.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
