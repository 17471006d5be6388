package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

func completionServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete_Success(t *testing.T) {
	var captured chatRequest
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"  {\"reply\":{\"reply_text\":\"Hola\"}}  "}}]}`))
	})

	c := NewHTTPCompleter(ClientConfig{Endpoint: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini"})
	out, err := c.Complete(context.Background(), "You are helpful.", "hola", Params{})
	require.NoError(t, err)
	assert.Equal(t, `{"reply":{"reply_text":"Hola"}}`, out, "content is trimmed")

	assert.Equal(t, "gpt-4o-mini", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "hola", captured.Messages[1].Content)
}

func TestComplete_ParamsOverrideDefaults(t *testing.T) {
	var captured chatRequest
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})

	c := NewHTTPCompleter(ClientConfig{Endpoint: srv.URL, Model: "default-model"})
	temp := 0.2
	_, err := c.Complete(context.Background(), "", "hi", Params{
		Model:       "other-model",
		Temperature: &temp,
		MaxTokens:   256,
	})
	require.NoError(t, err)

	assert.Equal(t, "other-model", captured.Model)
	require.NotNil(t, captured.Temperature)
	assert.InDelta(t, 0.2, *captured.Temperature, 0.001)
	assert.Equal(t, 256, captured.MaxTokens)
	require.Len(t, captured.Messages, 1, "empty system prompt is omitted")
	assert.Equal(t, "user", captured.Messages[0].Role)
}

func TestComplete_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"recovered"}}]}`))
	})

	c := NewHTTPCompleter(ClientConfig{Endpoint: srv.URL, MaxRetries: 2})
	out, err := c.Complete(context.Background(), "", "hi", Params{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestComplete_NoRetryOn400(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model"}}`))
	})

	c := NewHTTPCompleter(ClientConfig{Endpoint: srv.URL, MaxRetries: 3})
	_, err := c.Complete(context.Background(), "", "hi", Params{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")

	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeAI, flowErr.Code)
}

func TestComplete_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c := NewHTTPCompleter(ClientConfig{Endpoint: srv.URL, MaxRetries: 1})
	_, err := c.Complete(context.Background(), "", "hi", Params{})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, schema.ErrCodeAI, schema.ErrorCode(err))
}

func TestComplete_EmptyChoices(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})

	c := NewHTTPCompleter(ClientConfig{Endpoint: srv.URL})
	_, err := c.Complete(context.Background(), "", "hi", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestComplete_APIErrorField(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`))
	})

	c := NewHTTPCompleter(ClientConfig{Endpoint: srv.URL})
	_, err := c.Complete(context.Background(), "", "hi", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context length exceeded")
}

func TestComplete_ContextCancelled(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewHTTPCompleter(ClientConfig{Endpoint: srv.URL, MaxRetries: 3})
	_, err := c.Complete(ctx, "", "hi", Params{})
	require.Error(t, err)
}
