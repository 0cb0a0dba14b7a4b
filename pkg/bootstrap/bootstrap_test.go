package bootstrap

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedmesh/pkg/config"
	"fedmesh/pkg/identity"
	"fedmesh/pkg/membership"
	"fedmesh/pkg/telemetry"
	"fedmesh/pkg/types"
)

type recordingJoiner struct {
	mu     sync.Mutex
	joined []string
}

func (j *recordingJoiner) Join(_ context.Context, endpoint string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.joined = append(j.joined, endpoint)
	return nil
}

type fixture struct {
	dir     *Directory
	dirPub  ed25519.PublicKey
	dirPriv ed25519.PrivateKey
	server  *httptest.Server
	clock   *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	dir := NewDirectory(priv, mock, zap.NewNop())
	ts := httptest.NewServer(dir.Router())
	t.Cleanup(ts.Close)
	return &fixture{dir: dir, dirPub: pub, dirPriv: priv, server: ts, clock: mock}
}

func (f *fixture) clientConfig() config.BootstrapConfig {
	return config.BootstrapConfig{
		ServerURL:          f.server.URL,
		HeartbeatInterval:  config.Duration(time.Minute),
		RetryInterval:      config.Duration(10 * time.Millisecond),
		MaxRetries:         0,
		DirectoryPublicKey: hex.EncodeToString(f.dirPub),
	}
}

func newIdentity(t *testing.T) *identity.ServerIdentity {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	return id
}

func newBootClient(t *testing.T, cfg config.BootstrapConfig, clk clock.Clock, joiner SeedJoiner) (*Client, *membership.Table, *identity.ServerIdentity) {
	t.Helper()
	id := newIdentity(t)
	self := types.KnownServer{ServerID: id.ServerID, NodeID: id.NodeID, Endpoint: "self:7946"}
	tbl := membership.NewTable(self, clk, zap.NewNop())
	c, err := NewClient(cfg, id, "self:7946", "global", tbl, joiner, clk, zap.NewNop(), telemetry.Nop())
	require.NoError(t, err)
	return c, tbl, id
}

// registerPeer puts another server into the directory over HTTP.
func registerPeer(t *testing.T, f *fixture, endpoint string) *identity.ServerIdentity {
	t.Helper()
	id := newIdentity(t)
	reg := Registration{
		ServerID:  id.ServerID,
		NodeID:    id.NodeID,
		Endpoint:  endpoint,
		PublicKey: hex.EncodeToString(id.Public),
	}
	body, err := json.Marshal(reg)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+"/servers", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack registerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.True(t, ack.Success)
	require.Equal(t, id.ServerID, ack.Server.ServerID, "registration echoes the stored entry")
	return id
}

func TestBootstrapFromDirectory(t *testing.T) {
	f := newFixture(t)
	peer := registerPeer(t, f, "peer:7946")

	c, tbl, _ := newBootClient(t, f.clientConfig(), f.clock, &recordingJoiner{})
	require.NoError(t, c.Bootstrap(context.Background()))

	got, ok := tbl.Get(peer.ServerID)
	require.True(t, ok, "verified directory peer enters the table")
	assert.Equal(t, types.StatusAlive, got.Status)
	assert.Equal(t, "peer:7946", got.Endpoint)
}

func TestStaleDirectoryResponseRejected(t *testing.T) {
	f := newFixture(t)

	// A correctly signed list whose timestamp is far in the past: a replay.
	payload := directoryPayload{Timestamp: f.clock.Now().Add(-time.Hour)}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	stale := signedDirectory{
		Payload:   base64.StdEncoding.EncodeToString(raw),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(f.dirPriv, raw)),
	}
	replay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stale)
	}))
	defer replay.Close()

	cfg := f.clientConfig()
	cfg.ServerURL = replay.URL
	c, tbl, _ := newBootClient(t, cfg, f.clock, &recordingJoiner{})

	_, err = c.fetchServers(context.Background())
	assert.ErrorIs(t, err, types.ErrResponseStale)
	assert.Len(t, tbl.All(), 1, "nothing merged from a stale response")
}

func TestTamperedPayloadRejected(t *testing.T) {
	f := newFixture(t)

	payload := directoryPayload{
		Timestamp: f.clock.Now(),
		Servers:   []Registration{{ServerID: "attacker", Endpoint: "evil:7946"}},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	sig := ed25519.Sign(f.dirPriv, raw)

	// Flip a byte of the payload after signing.
	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)/2] ^= 0xff
	forged := signedDirectory{
		Payload:   base64.StdEncoding.EncodeToString(tampered),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	evil := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(forged)
	}))
	defer evil.Close()

	cfg := f.clientConfig()
	cfg.ServerURL = evil.URL
	c, _, _ := newBootClient(t, cfg, f.clock, &recordingJoiner{})

	_, err = c.fetchServers(context.Background())
	assert.ErrorIs(t, err, types.ErrSignatureInvalid)
}

func TestEntryWithMismatchedKeyDropped(t *testing.T) {
	f := newFixture(t)
	good := registerPeer(t, f, "good:7946")

	// Forge an entry whose server ID does not derive from its key.
	impostor := newIdentity(t)
	f.dir.mu.Lock()
	f.dir.servers["0123456789abcdef"] = Registration{
		ServerID:  "0123456789abcdef",
		Endpoint:  "evil:7946",
		PublicKey: hex.EncodeToString(impostor.Public),
	}
	f.dir.lastSeen["0123456789abcdef"] = f.clock.Now()
	f.dir.mu.Unlock()

	c, _, _ := newBootClient(t, f.clientConfig(), f.clock, &recordingJoiner{})
	servers, err := c.fetchServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, good.ServerID, servers[0].ServerID)
}

func TestSeedFallbackJoins(t *testing.T) {
	mock := clock.NewMock()
	joiner := &recordingJoiner{}
	cfg := config.BootstrapConfig{Nodes: []string{"seed-1:7946", "seed-2:7946"}}
	c, _, _ := newBootClient(t, cfg, mock, joiner)

	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, []string{"seed-1:7946", "seed-2:7946"}, joiner.joined)
}

func TestUnreachableDirectoryFallsBackToSeeds(t *testing.T) {
	mock := clock.NewMock()
	joiner := &recordingJoiner{}
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg := config.BootstrapConfig{
		ServerURL:          "http://127.0.0.1:1", // nothing listens here
		RetryInterval:      config.Duration(10 * time.Millisecond),
		MaxRetries:         0,
		Nodes:              []string{"seed-1:7946"},
		DirectoryPublicKey: hex.EncodeToString(pub),
	}
	c, _, _ := newBootClient(t, cfg, mock, joiner)

	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, []string{"seed-1:7946"}, joiner.joined)
}

func TestRegistrationRetriesUntilDirectoryAnswers(t *testing.T) {
	f := newFixture(t)
	// The client runs on the real clock here, so the directory's mock
	// clock must sign timestamps near real time to stay fresh.
	f.clock.Set(time.Now())

	var mu sync.Mutex
	failures := 2
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		shouldFail := failures > 0
		if shouldFail {
			failures--
		}
		mu.Unlock()
		if shouldFail {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		f.server.Config.Handler.ServeHTTP(w, r)
	}))
	defer flaky.Close()

	cfg := f.clientConfig()
	cfg.ServerURL = flaky.URL
	cfg.MaxRetries = 3
	// Real clock so the retry timers actually fire.
	c, _, _ := newBootClient(t, cfg, clock.New(), &recordingJoiner{})

	require.NoError(t, c.Bootstrap(context.Background()))
}

func TestDirectoryExpiresSilentEntries(t *testing.T) {
	f := newFixture(t)
	registerPeer(t, f, "quiet:7946")
	noisy := registerPeer(t, f, "noisy:7946")

	f.clock.Add(4 * time.Minute)
	body, _ := json.Marshal(heartbeatRequest{ServerID: noisy.ServerID})
	resp, err := http.Post(f.server.URL+"/servers/heartbeat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.clock.Add(2 * time.Minute)
	c, _, _ := newBootClient(t, f.clientConfig(), f.clock, &recordingJoiner{})
	servers, err := c.fetchServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, noisy.ServerID, servers[0].ServerID)
}

func TestHeartbeatAnswersWithPeerList(t *testing.T) {
	f := newFixture(t)
	a := registerPeer(t, f, "a:7946")
	b := registerPeer(t, f, "b:7946")

	body, _ := json.Marshal(heartbeatRequest{ServerID: a.ServerID})
	resp, err := http.Post(f.server.URL+"/servers/heartbeat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack heartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.True(t, ack.Success)
	require.Len(t, ack.Peers, 1, "the heartbeating server is not its own peer")
	assert.Equal(t, b.ServerID, ack.Peers[0].ServerID)
}

func TestDeregisterRemovesEntry(t *testing.T) {
	f := newFixture(t)
	peer := registerPeer(t, f, "peer:7946")

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/servers/"+string(peer.ServerID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c, _, _ := newBootClient(t, f.clientConfig(), f.clock, &recordingJoiner{})
	servers, err := c.fetchServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestClientRequiresDirectoryKey(t *testing.T) {
	mock := clock.NewMock()
	id := newIdentity(t)
	tbl := membership.NewTable(types.KnownServer{ServerID: id.ServerID}, mock, zap.NewNop())
	cfg := config.BootstrapConfig{ServerURL: "http://dir.example"}
	_, err := NewClient(cfg, id, "self:7946", "global", tbl, &recordingJoiner{}, mock, zap.NewNop(), telemetry.Nop())
	assert.ErrorIs(t, err, types.ErrConfigInvalid)
}
