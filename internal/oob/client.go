// Package oob tracks out-of-band payloads and turns callbacks on the
// interaction server into findings.
package oob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klyr/klyrscan/internal/config"
)

// Interaction is one callback seen by the interaction server.
type Interaction struct {
	ID            string    `json:"id"`
	Protocol      string    `json:"protocol"`
	FullID        string    `json:"full_id"`
	RemoteAddress string    `json:"remote_address"`
	Timestamp     time.Time `json:"timestamp"`
	RawRequest    string    `json:"raw_request,omitempty"`
}

// Client talks to an interaction server.
type Client interface {
	// Domain is the callback domain payload tokens are prefixed to.
	Domain() string
	Poll(ctx context.Context) ([]Interaction, error)
}

const maxPollBody = 4 << 20

// InteractshClient polls an interactsh-compatible server.
type InteractshClient struct {
	serverURL     string
	secretKey     string
	correlationID string
	httpClient    *http.Client
}

func NewInteractshClient(cfg config.OOBConfig, timeout time.Duration) *InteractshClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &InteractshClient{
		serverURL:     strings.TrimRight(cfg.ServerURL, "/"),
		secretKey:     cfg.SecretKey,
		correlationID: newID(16),
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// Domain is <correlation>.<server host>.
func (c *InteractshClient) Domain() string {
	server := strings.TrimPrefix(c.serverURL, "https://")
	server = strings.TrimPrefix(server, "http://")
	if host, _, ok := strings.Cut(server, "/"); ok {
		server = host
	}
	return c.correlationID + "." + server
}

func (c *InteractshClient) Poll(ctx context.Context) ([]Interaction, error) {
	q := url.Values{}
	q.Set("id", c.correlationID)
	q.Set("secret", c.secretKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/poll?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll failed: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pollResp struct {
		Data []struct {
			Protocol      string `json:"protocol"`
			UniqueID      string `json:"unique-id"`
			FullID        string `json:"full-id"`
			RawRequest    string `json:"raw-request"`
			RemoteAddress string `json:"remote-address"`
			Timestamp     string `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &pollResp); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}

	out := make([]Interaction, 0, len(pollResp.Data))
	for _, d := range pollResp.Data {
		ts, _ := time.Parse(time.RFC3339, d.Timestamp)
		if ts.IsZero() {
			ts = time.Now()
		}
		out = append(out, Interaction{
			ID:            d.UniqueID,
			Protocol:      d.Protocol,
			FullID:        d.FullID,
			RemoteAddress: d.RemoteAddress,
			Timestamp:     ts,
			RawRequest:    d.RawRequest,
		})
	}
	return out, nil
}

// newID returns n lowercase hex characters, safe as a DNS label.
func newID(n int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n < len(id) {
		id = id[:n]
	}
	return id
}
