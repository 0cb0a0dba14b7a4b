package membership

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedmesh/pkg/types"
)

func newTestTable(t *testing.T) (*Table, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	self := types.KnownServer{ServerID: "self", Endpoint: "127.0.0.1:7946"}
	return NewTable(self, mock, zap.NewNop()), mock
}

func peer(id string, status types.Status, inc uint64) types.KnownServer {
	return types.KnownServer{
		ServerID:    types.ServerID(id),
		Endpoint:    id + ":7946",
		Status:      status,
		Incarnation: inc,
	}
}

func TestMergeNewPeer(t *testing.T) {
	tbl, _ := newTestTable(t)

	assert.True(t, tbl.Merge(peer("b", types.StatusAlive, 0)))
	got, ok := tbl.Get("b")
	require.True(t, ok)
	assert.Equal(t, types.StatusAlive, got.Status)
	assert.Len(t, tbl.Alive(), 2) // self + b
}

func TestMergeLowerIncarnationDiscarded(t *testing.T) {
	tbl, _ := newTestTable(t)
	tbl.Merge(peer("b", types.StatusAlive, 5))

	assert.False(t, tbl.Merge(peer("b", types.StatusDead, 4)))
	got, _ := tbl.Get("b")
	assert.Equal(t, types.StatusAlive, got.Status)
}

func TestMergeEqualIncarnationSeverityWins(t *testing.T) {
	tbl, _ := newTestTable(t)
	tbl.Merge(peer("b", types.StatusAlive, 2))

	// Suspect beats alive at equal incarnation.
	assert.True(t, tbl.Merge(peer("b", types.StatusSuspect, 2)))
	got, _ := tbl.Get("b")
	assert.Equal(t, types.StatusSuspect, got.Status)

	// Alive does not beat suspect at equal incarnation.
	assert.False(t, tbl.Merge(peer("b", types.StatusAlive, 2)))

	// Dead beats suspect.
	assert.True(t, tbl.Merge(peer("b", types.StatusDead, 2)))

	// A higher-incarnation alive refutes the death.
	assert.True(t, tbl.Merge(peer("b", types.StatusAlive, 3)))
	got, _ = tbl.Get("b")
	assert.Equal(t, types.StatusAlive, got.Status)
}

func TestMergeIdempotent(t *testing.T) {
	tbl, _ := newTestTable(t)
	claim := peer("b", types.StatusSuspect, 1)

	assert.True(t, tbl.Merge(claim))
	// Re-applying the identical claim changes nothing.
	assert.False(t, tbl.Merge(claim))
	assert.False(t, tbl.Merge(claim))
}

func TestSelfRefutation(t *testing.T) {
	tbl, _ := newTestTable(t)
	require.Equal(t, uint64(0), tbl.Self().Incarnation)

	// Someone claims we are suspect at our incarnation: we bump past it.
	assert.True(t, tbl.Merge(peer("self", types.StatusSuspect, 0)))
	self := tbl.Self()
	assert.Equal(t, types.StatusAlive, self.Status)
	assert.Equal(t, uint64(1), self.Incarnation)

	// A dead claim at a higher incarnation is also refuted.
	assert.True(t, tbl.Merge(peer("self", types.StatusDead, 7)))
	assert.Equal(t, uint64(8), tbl.Self().Incarnation)

	// Stale suspicion below our incarnation is ignored.
	assert.False(t, tbl.Merge(peer("self", types.StatusSuspect, 3)))
	assert.Equal(t, uint64(8), tbl.Self().Incarnation)

	// The refutation is queued for dissemination.
	deltas := tbl.Deltas(8)
	require.NotEmpty(t, deltas)
	assert.Equal(t, types.ServerID("self"), deltas[0].ServerID)
	assert.Equal(t, uint64(8), deltas[0].Incarnation)
}

func TestMarkSuspectAndDead(t *testing.T) {
	tbl, _ := newTestTable(t)
	tbl.Merge(peer("b", types.StatusAlive, 1))

	assert.True(t, tbl.MarkSuspect("b"))
	assert.False(t, tbl.MarkSuspect("b")) // already suspect
	assert.True(t, tbl.MarkDead("b"))
	assert.False(t, tbl.MarkSuspect("b")) // cannot downgrade

	// The local server can never be marked.
	assert.False(t, tbl.MarkSuspect("self"))
	assert.Equal(t, types.StatusAlive, tbl.Self().Status)
}

func TestOverdueSuspects(t *testing.T) {
	tbl, mock := newTestTable(t)
	tbl.Merge(peer("b", types.StatusAlive, 1))
	tbl.MarkSuspect("b")

	assert.Empty(t, tbl.OverdueSuspects(10*time.Second))
	mock.Add(11 * time.Second)
	overdue := tbl.OverdueSuspects(10 * time.Second)
	require.Len(t, overdue, 1)
	assert.Equal(t, types.ServerID("b"), overdue[0])
}

func TestEvictDeadAfterGrace(t *testing.T) {
	tbl, mock := newTestTable(t)
	tbl.Merge(peer("b", types.StatusAlive, 1))
	tbl.MarkDead("b")

	assert.Empty(t, tbl.EvictDead(time.Minute))
	mock.Add(2 * time.Minute)
	evicted := tbl.EvictDead(time.Minute)
	require.Len(t, evicted, 1)
	assert.False(t, tbl.Contains("b"))
}

func TestChangeListenerFiresOnAliveSetChange(t *testing.T) {
	tbl, _ := newTestTable(t)
	var fired int
	tbl.OnChange(func() { fired++ })

	tbl.Merge(peer("b", types.StatusAlive, 1))
	assert.Equal(t, 1, fired)

	// Refreshing the same alive peer does not fire.
	tbl.Merge(peer("b", types.StatusAlive, 1))
	assert.Equal(t, 1, fired)

	tbl.MarkSuspect("b")
	assert.Equal(t, 2, fired)
}

func TestDeltasCarrySelfAndAgeOut(t *testing.T) {
	tbl, _ := newTestTable(t)
	tbl.Merge(peer("b", types.StatusAlive, 1))

	for i := 0; i < updateTransmits; i++ {
		deltas := tbl.Deltas(8)
		require.NotEmpty(t, deltas)
		assert.Equal(t, types.ServerID("self"), deltas[0].ServerID)
		assert.Len(t, deltas, 2)
	}

	// Budget exhausted: only the standing self entry remains.
	deltas := tbl.Deltas(8)
	assert.Len(t, deltas, 1)
}

func TestRestoreSnapshotEntersSuspect(t *testing.T) {
	tbl, _ := newTestTable(t)
	entries := []types.KnownServer{
		peer("b", types.StatusAlive, 4),
		peer("c", types.StatusDead, 2),
		peer("self", types.StatusAlive, 9), // must be ignored
	}

	n := tbl.RestoreSnapshot(entries)
	assert.Equal(t, 2, n)

	for _, id := range []types.ServerID{"b", "c"} {
		got, ok := tbl.Get(id)
		require.True(t, ok)
		assert.Equal(t, types.StatusSuspect, got.Status, "snapshot entries are never trusted as alive")
	}
	assert.Equal(t, uint64(0), tbl.Self().Incarnation)
}

func TestLeave(t *testing.T) {
	tbl, _ := newTestTable(t)
	left := tbl.Leave()
	assert.Equal(t, types.StatusLeft, left.Status)
	assert.Equal(t, types.ServerID("self"), left.ServerID)
}
