package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedmesh/pkg/types"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.DHT.ReplicationFactor)
	assert.Equal(t, 1*time.Second, cfg.Gossip.Interval.Std())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fedmesh.toml")
	body := `
[node]
bind_address = ":9000"
region = "eu-west"

[gossip]
interval = "2s"
state_exchange_interval = "45s"

[dht]
replication_factor = 5
write_quorum = 3
read_quorum = 3

[bootstrap]
server_url = "https://directory.example.org"
nodes = ["10.0.0.1:7946", "10.0.0.2:7946"]

[cleanup]
hourly_token_ttl = "90m"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Node.BindAddress)
	assert.Equal(t, "eu-west", cfg.Node.Region)
	assert.Equal(t, 2*time.Second, cfg.Gossip.Interval.Std())
	assert.Equal(t, 45*time.Second, cfg.Gossip.StateExchangeInterval.Std())
	assert.Equal(t, 5, cfg.DHT.ReplicationFactor)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Bootstrap.Nodes)
	assert.Equal(t, 90*time.Minute, cfg.Cleanup.HourlyTokenTTL.Std())
	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.Gossip.IndirectPingCount)
}

func TestValidateQuorumBounds(t *testing.T) {
	cfg := Default()
	cfg.DHT.WriteQuorum = cfg.DHT.ReplicationFactor + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfigInvalid))

	cfg = Default()
	cfg.DHT.ReadQuorum = 0
	assert.ErrorIs(t, cfg.Validate(), types.ErrConfigInvalid)

	cfg = Default()
	cfg.DHT.ReplicationFactor = 0
	assert.ErrorIs(t, cfg.Validate(), types.ErrConfigInvalid)
}

func TestValidateGossipTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Gossip.FailureTimeout = Duration(1 * time.Second)
	cfg.Gossip.SuspicionTimeout = Duration(5 * time.Second)
	assert.ErrorIs(t, cfg.Validate(), types.ErrConfigInvalid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.toml")
	assert.Error(t, err)
}
