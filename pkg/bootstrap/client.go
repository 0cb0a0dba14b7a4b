package bootstrap

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fedmesh/pkg/config"
	"fedmesh/pkg/identity"
	"fedmesh/pkg/membership"
	"fedmesh/pkg/telemetry"
	"fedmesh/pkg/types"
)

// freshnessWindow bounds how far a signed peer list's timestamp may drift
// from local time before it is treated as a replay.
const freshnessWindow = 5 * time.Minute

// SeedJoiner introduces this node to a peer known only by endpoint.
type SeedJoiner interface {
	Join(ctx context.Context, endpoint string) error
}

// Client registers with the directory, keeps the registration fresh and
// seeds the membership table from the verified peer list.
type Client struct {
	cfg      config.BootstrapConfig
	id       *identity.ServerIdentity
	endpoint string
	region   string
	table    *membership.Table
	joiner   SeedJoiner
	dirKey   ed25519.PublicKey
	http     *http.Client
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClient builds a bootstrap client. The directory public key in the
// configuration is required whenever a directory URL is set.
func NewClient(cfg config.BootstrapConfig, id *identity.ServerIdentity, endpoint, region string,
	table *membership.Table, joiner SeedJoiner, clk clock.Clock,
	logger *zap.Logger, metrics *telemetry.Metrics) (*Client, error) {

	c := &Client{
		cfg:      cfg,
		id:       id,
		endpoint: endpoint,
		region:   region,
		table:    table,
		joiner:   joiner,
		http:     &http.Client{Timeout: 10 * time.Second},
		clock:    clk,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
	if cfg.ServerURL != "" {
		if cfg.DirectoryPublicKey == "" {
			return nil, fmt.Errorf("%w: bootstrap.directory_public_key required with a directory URL",
				types.ErrConfigInvalid)
		}
		key, err := hex.DecodeString(cfg.DirectoryPublicKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: bootstrap.directory_public_key is not a hex ed25519 key",
				types.ErrConfigInvalid)
		}
		c.dirKey = ed25519.PublicKey(key)
	}
	return c, nil
}

// Bootstrap performs first contact: register with the directory and merge
// its verified peer list, retrying with backoff, then fall back to static
// seeds if the directory never answers. Seeds failing too is not fatal;
// the node simply starts alone and waits to be contacted.
func (c *Client) Bootstrap(ctx context.Context) error {
	if c.cfg.ServerURL != "" {
		err := c.withRetries(ctx, func() error { return c.registerAndFetch(ctx) })
		if err == nil {
			return nil
		}
		c.logger.Warn("directory unreachable, falling back to seed peers", zap.Error(err))
	}

	joined := 0
	for _, seed := range c.cfg.Nodes {
		if seed == c.endpoint {
			continue
		}
		joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.joiner.Join(joinCtx, seed)
		cancel()
		if err != nil {
			c.logger.Warn("seed join failed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		joined++
	}
	if joined > 0 || (c.cfg.ServerURL == "" && len(c.cfg.Nodes) == 0) {
		return nil
	}
	if len(c.cfg.Nodes) == 0 {
		return fmt.Errorf("bootstrap: directory unreachable and no seed peers configured")
	}
	c.logger.Warn("no bootstrap peer reachable, starting isolated")
	return nil
}

// withRetries runs fn up to MaxRetries+1 times with doubling delays.
func (c *Client) withRetries(ctx context.Context, fn func() error) error {
	delay := c.cfg.RetryInterval.Std()
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= c.cfg.MaxRetries {
			return err
		}
		c.logger.Info("bootstrap attempt failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		timer := c.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		if delay < time.Minute {
			delay *= 2
		}
	}
}

func (c *Client) registerAndFetch(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return err
	}
	servers, err := c.fetchServers(ctx)
	if err != nil {
		return err
	}
	merged := 0
	for _, s := range servers {
		if s.ServerID == c.id.ServerID {
			continue
		}
		c.table.Merge(s)
		merged++
	}
	c.logger.Info("bootstrapped from directory",
		zap.String("directory", c.cfg.ServerURL), zap.Int("peers", merged))
	return nil
}

func (c *Client) register(ctx context.Context) error {
	reg := Registration{
		ServerID:  c.id.ServerID,
		NodeID:    c.id.NodeID,
		Endpoint:  c.endpoint,
		PublicKey: hex.EncodeToString(c.id.Public),
		Region:    c.region,
	}
	_, err := c.post(ctx, c.cfg.ServerURL+"/servers", reg)
	return err
}

// fetchServers retrieves and verifies the signed peer list. Both a bad
// signature and a timestamp outside the freshness window reject the whole
// response; a directory that cannot prove freshness is worth nothing.
func (c *Client) fetchServers(ctx context.Context) ([]types.KnownServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+"/servers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory answered %d", resp.StatusCode)
	}

	var signed signedDirectory
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return nil, fmt.Errorf("decoding directory response: %w", err)
	}
	payload, err := c.verify(signed)
	if err != nil {
		return nil, err
	}

	out := make([]types.KnownServer, 0, len(payload.Servers))
	for _, s := range payload.Servers {
		known, err := c.toKnownServer(s)
		if err != nil {
			c.metrics.DirectoryRejections.WithLabelValues("id_mismatch").Inc()
			c.logger.Warn("directory entry rejected",
				zap.String("server", string(s.ServerID)), zap.Error(err))
			continue
		}
		out = append(out, known)
	}
	return out, nil
}

func (c *Client) verify(signed signedDirectory) (directoryPayload, error) {
	var payload directoryPayload

	raw, err := base64.StdEncoding.DecodeString(signed.Payload)
	if err != nil {
		c.metrics.DirectoryRejections.WithLabelValues("malformed").Inc()
		return payload, fmt.Errorf("%w: payload is not base64", types.ErrSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(signed.Signature)
	if err != nil {
		c.metrics.DirectoryRejections.WithLabelValues("malformed").Inc()
		return payload, fmt.Errorf("%w: signature is not base64", types.ErrSignatureInvalid)
	}
	if !ed25519.Verify(c.dirKey, raw, sig) {
		c.metrics.DirectoryRejections.WithLabelValues("bad_signature").Inc()
		return payload, fmt.Errorf("%w: directory signature does not verify", types.ErrSignatureInvalid)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.metrics.DirectoryRejections.WithLabelValues("malformed").Inc()
		return payload, fmt.Errorf("decoding directory payload: %w", err)
	}

	age := c.clock.Now().Sub(payload.Timestamp)
	if age < -freshnessWindow || age > freshnessWindow {
		c.metrics.DirectoryRejections.WithLabelValues("stale_timestamp").Inc()
		return payload, fmt.Errorf("%w: directory payload dated %s", types.ErrResponseStale,
			payload.Timestamp.Format(time.RFC3339))
	}
	return payload, nil
}

// toKnownServer converts a directory entry, rejecting entries whose
// server ID does not derive from their public key.
func (c *Client) toKnownServer(s Registration) (types.KnownServer, error) {
	pub, err := hex.DecodeString(s.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return types.KnownServer{}, fmt.Errorf("entry has no usable public key")
	}
	if derived := identity.DeriveServerID(pub); derived != s.ServerID {
		return types.KnownServer{}, fmt.Errorf("server id %s does not match its key (derives %s)",
			s.ServerID, derived)
	}
	return types.KnownServer{
		ServerID:  s.ServerID,
		NodeID:    s.NodeID,
		Endpoint:  s.Endpoint,
		PublicKey: pub,
		Status:    types.StatusAlive,
		LastSeen:  c.clock.Now(),
	}, nil
}

// StartHeartbeat keeps the directory registration fresh in the background.
func (c *Client) StartHeartbeat() {
	if c.cfg.ServerURL == "" {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clock.Ticker(c.cfg.HeartbeatInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := c.Heartbeat(ctx); err != nil {
					c.logger.Warn("directory heartbeat failed", zap.Error(err))
				}
				cancel()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Heartbeat refreshes this node's directory entry once. The peer list in
// the acknowledgment is unsigned, so it is never merged into membership;
// the signed GET /servers payload remains the only ingestion path.
func (c *Client) Heartbeat(ctx context.Context) error {
	body, err := c.post(ctx, c.cfg.ServerURL+"/servers/heartbeat", heartbeatRequest{ServerID: c.id.ServerID})
	if err != nil {
		return err
	}
	var ack heartbeatResponse
	if err := json.Unmarshal(body, &ack); err == nil {
		c.logger.Debug("directory heartbeat acknowledged", zap.Int("peers", len(ack.Peers)))
	}
	return nil
}

// Stop halts the heartbeat loop and deregisters from the directory.
func (c *Client) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	if c.cfg.ServerURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/servers/%s", c.cfg.ServerURL, c.id.ServerID), nil)
	if err != nil {
		return
	}
	if resp, err := c.http.Do(req); err == nil {
		resp.Body.Close()
	}
}

func (c *Client) post(ctx context.Context, u string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("post %s: directory answered %d", u, resp.StatusCode)
	}
	return data, nil
}
