package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

const (
	defaultTimeout         = 60 * time.Second
	defaultMaxRetries      = 2
	defaultMaxResponseBody = 4 * 1024 * 1024 // 4MB
)

// ClientConfig configures the HTTP completion client.
type ClientConfig struct {
	Endpoint   string // chat-completions URL
	APIKey     string
	Model      string // default model
	Timeout    time.Duration
	MaxRetries int // retries on transport errors and 429/5xx
}

// HTTPCompleter calls an OpenAI-compatible chat-completions endpoint.
type HTTPCompleter struct {
	cfg    ClientConfig
	client *http.Client
}

// NewHTTPCompleter creates a completion client.
func NewHTTPCompleter(cfg ClientConfig) *HTTPCompleter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &HTTPCompleter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends the prompts and returns the first choice's content.
// Transport errors and 429/5xx responses are retried with linear backoff;
// other HTTP errors fail immediately.
func (c *HTTPCompleter) Complete(ctx context.Context, system, user string, params Params) (string, error) {
	model := params.Model
	if model == "" {
		model = c.cfg.Model
	}
	reqBody := chatRequest{
		Model:       model,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	if system != "" {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: "system", Content: system})
	}
	reqBody.Messages = append(reqBody.Messages, chatMessage{Role: "user", Content: user})

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAI, "marshal completion request").WithCause(err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", schema.NewError(schema.ErrCodeTimeout, "completion cancelled").WithCause(ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		content, retryable, err := c.doRequest(ctx, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeAI, "completion failed after %d attempts", c.cfg.MaxRetries+1).WithCause(lastErr)
}

func (c *HTTPCompleter) doRequest(ctx context.Context, payload []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeAI, "create completion request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", true, schema.NewErrorf(schema.ErrCodeAI, "completion request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return "", true, schema.NewErrorf(schema.ErrCodeAI, "read completion response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", retryable, schema.NewErrorf(schema.ErrCodeAI,
			"completion endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeAI, "decode completion response").WithCause(err)
	}
	if parsed.Error != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeAI, "completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, schema.NewError(schema.ErrCodeAI, "completion returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

var _ Completer = (*HTTPCompleter)(nil)
