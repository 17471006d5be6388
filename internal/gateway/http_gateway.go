package gateway

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

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

const (
	defaultGatewayTimeout = 30 * time.Second
	defaultMediaTTL       = time.Hour
	maxProviderResponse   = 1 << 20 // 1MB
)

// HTTPGatewayConfig configures a generic HTTP-backed provider adapter.
type HTTPGatewayConfig struct {
	// Channel is the platform this adapter serves, for example "whatsapp".
	Channel string
	// BaseURL is the provider API root, for example "https://wa.example.com/api".
	BaseURL string
	// Token is sent as a Bearer credential when non-empty.
	Token string
	// Timeout bounds each provider call. Zero means 30s.
	Timeout time.Duration
}

// HTTPGateway talks to a messaging provider over its HTTP API:
// POST {base}/messages to send, GET {base}/media/{id} to resolve stored
// media, GET {base}/health as the reachability probe.
type HTTPGateway struct {
	cfg    HTTPGatewayConfig
	client *http.Client
}

// NewHTTPGateway validates the config and builds the adapter.
func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if cfg.Channel == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "gateway channel is required")
	}
	if cfg.BaseURL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "gateway %q base url is required", cfg.Channel)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGatewayTimeout
	}
	return &HTTPGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (g *HTTPGateway) Channel() string { return g.cfg.Channel }

type providerSendRequest struct {
	To       string `json:"to,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Body     string `json:"body,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type providerSendResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
	Error     string `json:"error"`
}

type providerMediaResponse struct {
	URL        string `json:"url"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Send posts the message to the provider and returns its acknowledgment.
func (g *HTTPGateway) Send(ctx context.Context, dest Destination, msg OutboundMessage) (*Receipt, error) {
	if dest.Phone == "" && dest.ChatID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "destination needs a phone or chat id")
	}

	payload, err := json.Marshal(providerSendRequest{
		To:       dest.Phone,
		ChatID:   dest.ChatID,
		Body:     msg.Body,
		MediaURL: msg.MediaURL,
		Caption:  msg.Caption,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeGateway, "marshal send request").WithCause(err)
	}

	body, err := g.do(ctx, http.MethodPost, g.cfg.BaseURL+"/messages", payload)
	if err != nil {
		return nil, err
	}

	var resp providerSendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGateway,
			"provider returned invalid JSON: %s", truncate(string(body), 200)).WithCause(err)
	}
	if resp.Error != "" {
		return nil, schema.NewErrorf(schema.ErrCodeGateway, "provider rejected message: %s", resp.Error)
	}

	providerID := resp.MessageID
	if providerID == "" {
		providerID = resp.ID
	}
	return &Receipt{
		ProviderID: providerID,
		Channel:    g.cfg.Channel,
		SentAt:     time.Now().UTC(),
	}, nil
}

// ResolveMediaURL exchanges a stored media ID for a temporary download URL.
func (g *HTTPGateway) ResolveMediaURL(ctx context.Context, storedID string) (string, time.Duration, error) {
	if storedID == "" {
		return "", 0, schema.NewError(schema.ErrCodeValidation, "media id is required")
	}

	body, err := g.do(ctx, http.MethodGet, g.cfg.BaseURL+"/media/"+url.PathEscape(storedID), nil)
	if err != nil {
		return "", 0, err
	}

	var resp providerMediaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, schema.NewErrorf(schema.ErrCodeGateway,
			"provider returned invalid JSON: %s", truncate(string(body), 200)).WithCause(err)
	}
	if resp.URL == "" {
		return "", 0, schema.NewErrorf(schema.ErrCodeGateway, "provider returned no url for media %q", storedID)
	}

	ttl := defaultMediaTTL
	if resp.TTLSeconds > 0 {
		ttl = time.Duration(resp.TTLSeconds) * time.Second
	}
	return resp.URL, ttl, nil
}

// Ping probes the provider health endpoint.
func (g *HTTPGateway) Ping(ctx context.Context) error {
	_, err := g.do(ctx, http.MethodGet, g.cfg.BaseURL+"/health", nil)
	return err
}

// do performs one provider request and returns the response body, mapping
// transport failures and non-2xx statuses to gateway errors. A 404 maps to
// NOT_FOUND so media lookups can distinguish missing IDs from outages.
func (g *HTTPGateway) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeGateway, "build provider request").WithCause(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGateway, "provider request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeGateway, "read provider response").WithCause(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "provider returned 404 for %s", endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeGateway,
			"provider returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

var (
	_ Gateway       = (*HTTPGateway)(nil)
	_ HealthChecker = (*HTTPGateway)(nil)
)
