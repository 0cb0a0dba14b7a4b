// Package config loads and validates the node configuration from TOML.
// Invalid combinations (for example a write quorum larger than the
// replication factor) fail fast at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"fedmesh/pkg/types"
)

// Duration is a time.Duration that unmarshals from TOML strings like "15s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Gossip    GossipConfig    `toml:"gossip"`
	DHT       DHTConfig       `toml:"dht"`
	Bootstrap BootstrapConfig `toml:"bootstrap"`
	Cleanup   CleanupConfig   `toml:"cleanup"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NodeConfig identifies this node and its listening surface.
type NodeConfig struct {
	DataDir     string `toml:"data_dir"`
	BindAddress string `toml:"bind_address"`
	// Endpoint is the address other federation nodes reach us at.
	// Defaults to BindAddress when empty.
	Endpoint string `toml:"endpoint"`
	Region   string `toml:"region"`
}

// GossipConfig controls SWIM failure detection and dissemination.
type GossipConfig struct {
	Interval              Duration `toml:"interval"`
	PingTimeout           Duration `toml:"ping_timeout"`
	SuspicionTimeout      Duration `toml:"suspicion_timeout"`
	FailureTimeout        Duration `toml:"failure_timeout"`
	IndirectPingCount     int      `toml:"indirect_ping_count"`
	Fanout                int      `toml:"fanout"`
	StateExchangeInterval Duration `toml:"state_exchange_interval"`
	// MaxDeltas bounds the piggybacked membership updates per message.
	MaxDeltas int `toml:"max_deltas"`
}

// DHTConfig controls quorum replication of rendezvous records.
type DHTConfig struct {
	ReplicationFactor int      `toml:"replication_factor"`
	WriteQuorum       int      `toml:"write_quorum"`
	ReadQuorum        int      `toml:"read_quorum"`
	VirtualNodes      int      `toml:"virtual_nodes"`
	OperationTimeout  Duration `toml:"operation_timeout"`
}

// BootstrapConfig controls directory registration and seed peers.
type BootstrapConfig struct {
	ServerURL         string   `toml:"server_url"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	RetryInterval     Duration `toml:"retry_interval"`
	MaxRetries        int      `toml:"max_retries"`
	// Nodes are static seed endpoints used when the directory is
	// unreachable; the node then runs gossip-only.
	Nodes []string `toml:"nodes"`
	// DirectoryPublicKey is the hex Ed25519 key peer lists must be
	// signed with.
	DirectoryPublicKey string `toml:"directory_public_key"`
}

// CleanupConfig controls TTL sweeps and snapshots.
type CleanupConfig struct {
	Interval       Duration `toml:"interval"`
	DailyPointTTL  Duration `toml:"daily_point_ttl"`
	HourlyTokenTTL Duration `toml:"hourly_token_ttl"`
	// DeadEvictionGrace is how long a Dead entry stays in the membership
	// table before removal. Vector clock entries for servers gone longer
	// than this are pruned on merge.
	DeadEvictionGrace Duration `toml:"dead_eviction_grace"`
	SnapshotInterval  Duration `toml:"snapshot_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			DataDir:     defaultDataDir(),
			BindAddress: ":7946",
			Region:      "global",
		},
		Gossip: GossipConfig{
			Interval:              Duration(1 * time.Second),
			PingTimeout:           Duration(500 * time.Millisecond),
			SuspicionTimeout:      Duration(5 * time.Second),
			FailureTimeout:        Duration(15 * time.Second),
			IndirectPingCount:     3,
			Fanout:                3,
			StateExchangeInterval: Duration(30 * time.Second),
			MaxDeltas:             16,
		},
		DHT: DHTConfig{
			ReplicationFactor: 3,
			WriteQuorum:       2,
			ReadQuorum:        2,
			VirtualNodes:      64,
			OperationTimeout:  Duration(3 * time.Second),
		},
		Bootstrap: BootstrapConfig{
			HeartbeatInterval: Duration(60 * time.Second),
			RetryInterval:     Duration(5 * time.Second),
			MaxRetries:        5,
		},
		Cleanup: CleanupConfig{
			Interval:          Duration(60 * time.Second),
			DailyPointTTL:     Duration(26 * time.Hour),
			HourlyTokenTTL:    Duration(2 * time.Hour),
			DeadEvictionGrace: Duration(10 * time.Minute),
			SnapshotInterval:  Duration(5 * time.Minute),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a TOML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the node cannot run correctly with.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", types.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if c.DHT.ReplicationFactor < 1 {
		return fail("dht.replication_factor must be >= 1, got %d", c.DHT.ReplicationFactor)
	}
	if c.DHT.WriteQuorum < 1 || c.DHT.WriteQuorum > c.DHT.ReplicationFactor {
		return fail("dht.write_quorum %d must be in [1, replication_factor %d]",
			c.DHT.WriteQuorum, c.DHT.ReplicationFactor)
	}
	if c.DHT.ReadQuorum < 1 || c.DHT.ReadQuorum > c.DHT.ReplicationFactor {
		return fail("dht.read_quorum %d must be in [1, replication_factor %d]",
			c.DHT.ReadQuorum, c.DHT.ReplicationFactor)
	}
	if c.DHT.VirtualNodes < 1 {
		return fail("dht.virtual_nodes must be >= 1, got %d", c.DHT.VirtualNodes)
	}
	if c.Gossip.Interval <= 0 {
		return fail("gossip.interval must be positive")
	}
	if c.Gossip.PingTimeout <= 0 || c.Gossip.PingTimeout.Std() >= c.Gossip.Interval.Std()*10 {
		return fail("gossip.ping_timeout must be positive and well under ten gossip intervals")
	}
	if c.Gossip.SuspicionTimeout <= 0 || c.Gossip.FailureTimeout.Std() < c.Gossip.SuspicionTimeout.Std() {
		return fail("gossip.failure_timeout must be >= gossip.suspicion_timeout")
	}
	if c.Gossip.IndirectPingCount < 0 {
		return fail("gossip.indirect_ping_count must be >= 0")
	}
	if c.Gossip.Fanout < 1 {
		return fail("gossip.fanout must be >= 1")
	}
	if c.Gossip.StateExchangeInterval <= 0 {
		return fail("gossip.state_exchange_interval must be positive")
	}
	if c.Cleanup.Interval <= 0 || c.Cleanup.DailyPointTTL <= 0 || c.Cleanup.HourlyTokenTTL <= 0 {
		return fail("cleanup intervals and TTLs must be positive")
	}
	if c.Bootstrap.ServerURL != "" && c.Bootstrap.HeartbeatInterval <= 0 {
		return fail("bootstrap.heartbeat_interval must be positive when a directory is configured")
	}
	if c.Bootstrap.MaxRetries < 0 {
		return fail("bootstrap.max_retries must be >= 0")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".fedmesh")
}
