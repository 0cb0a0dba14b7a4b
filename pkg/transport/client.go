package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"fedmesh/pkg/gossip"
	"fedmesh/pkg/types"
)

// Client is the HTTP side of peer-to-peer federation calls. It serves as
// both the gossip transport and the quorum replica client; per-call
// deadlines come from the caller's context.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a client with sane connection pooling for a mesh of
// long-lived peers.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

func baseURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	return "http://" + endpoint
}

// Exchange posts a gossip envelope and decodes the peer's reply.
func (c *Client) Exchange(ctx context.Context, endpoint string, env gossip.Envelope) (gossip.Envelope, error) {
	var resp gossip.Envelope
	err := c.postJSON(ctx, baseURL(endpoint)+"/gossip", env, &resp)
	return resp, err
}

// Notify posts a one-way gossip envelope, ignoring the reply body.
func (c *Client) Notify(ctx context.Context, endpoint string, env gossip.Envelope) error {
	return c.postJSON(ctx, baseURL(endpoint)+"/gossip/notify", env, nil)
}

// StoreRecord applies a rendezvous record to a remote replica.
func (c *Client) StoreRecord(ctx context.Context, endpoint string, rec types.RendezvousRecord) error {
	return c.postJSON(ctx, baseURL(endpoint)+"/internal/store", rec, nil)
}

// FetchRecords retrieves a remote replica's versions for a hash.
func (c *Client) FetchRecords(ctx context.Context, endpoint string, hash types.DiscoveryHash) ([]types.RendezvousRecord, error) {
	u := baseURL(endpoint) + "/internal/fetch/" + url.PathEscape(string(hash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: replica answered %d", hash, resp.StatusCode)
	}
	var recs []types.RendezvousRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("fetch %s: decoding reply: %w", hash, err)
	}
	return recs, nil
}

func (c *Client) postJSON(ctx context.Context, u string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: peer answered %d", u, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("post %s: decoding reply: %w", u, err)
	}
	return nil
}

// drainClose empties the body so the connection returns to the pool.
func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
