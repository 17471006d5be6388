package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	maxHTTPResponseBody = 10 * 1024 * 1024 // 10MB
	httpBackoffBase     = 500 * time.Millisecond
	secretPrefix        = "secret://"
)

// HTTPCall executes an arbitrary HTTP request with resolved method, URL,
// headers and JSON body, then parks {status_code, headers, data} in the
// api scope for downstream nodes.
type HTTPCall struct {
	deps   Deps
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewHTTPCall creates an HTTPCall processor.
func NewHTTPCall(deps Deps) *HTTPCall {
	return &HTTPCall{
		deps: deps,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return schema.NewError(schema.ErrCodeHTTP, "too many redirects")
				}
				return nil
			},
		},
		sleep: sleepCtx,
	}
}

func (p *HTTPCall) Type() schema.NodeType {
	return schema.NodeHTTPCall
}

func (p *HTTPCall) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.HTTPCallNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "http_call node has no url").WithNode(in.Node.ID)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	smart, err := p.resolveSmartVariables(ctx, cfg, in)
	if err != nil {
		return nil, err
	}

	url := p.deps.Resolver.ResolveText(substituteSmart(cfg.URL, smart), in.Context)

	var bodyBytes []byte
	if cfg.Body != "" {
		parsed, err := p.deps.Resolver.ResolveJSON(substituteSmart(cfg.Body, smart), in.Context)
		if err != nil {
			return nil, wrapNodeErr(in.Node.ID, err)
		}
		bodyBytes, err = json.Marshal(parsed)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidJSONBody,
				"serialize request body: %v", err).WithNode(in.Node.ID).WithCause(err)
		}
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = p.deps.Resolver.ResolveText(substituteSmart(v, smart), in.Context)
	}

	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	attempts := cfg.MaxRetries + 1
	var resp map[string]any
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, httpBackoffBase<<(attempt-1)); err != nil {
				return nil, err
			}
		}
		resp, lastErr = p.do(ctx, in, cfg, method, url, headers, bodyBytes, timeout)
		if lastErr == nil {
			break
		}
		if !schema.IsRetryable(lastErr) {
			break
		}
	}
	if lastErr != nil {
		return nil, wrapNodeErr(in.Node.ID, lastErr)
	}

	if cfg.ResponsePath != "" {
		narrowed, err := p.deps.JQ.EvaluateValue(ctx, cfg.ResponsePath, resp["data"])
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"response_path %q: %v", cfg.ResponsePath, err).WithNode(in.Node.ID).WithCause(err)
		}
		resp["data"] = narrowed
	}

	in.Context.SetAPIResponse(resp)
	return &Result{Output: resp}, nil
}

// do executes one HTTP attempt. Any non-2xx status is an error per the
// node contract; the retry loop above decides whether to try again.
func (p *HTTPCall) do(ctx context.Context, in Input, cfg schema.HTTPCallNodeConfig, method, url string, headers map[string]string, body []byte, timeout time.Duration) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "build request: %v", err).WithCause(err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := p.applyAuth(ctx, req, cfg.Auth, in); err != nil {
		return nil, err
	}

	res, err := p.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHTTP, "%s %s: %v", method, url, err).WithCause(err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxHTTPResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHTTP, "read response: %v", err).WithCause(err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeHTTP,
			"%s %s returned %d", method, url, res.StatusCode).
			WithDetails(map[string]any{"status_code": res.StatusCode, "body": truncateBody(raw)})
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = string(raw)
		}
	}

	respHeaders := make(map[string]any, len(res.Header))
	for k := range res.Header {
		respHeaders[k] = res.Header.Get(k)
	}
	return map[string]any{
		"status_code": res.StatusCode,
		"headers":     respHeaders,
		"data":        data,
	}, nil
}

// applyAuth attaches the configured authentication. Token-bearing values
// may reference the vault via secret://NAME.
func (p *HTTPCall) applyAuth(ctx context.Context, req *http.Request, auth *schema.AuthConfig, in Input) error {
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case "bearer":
		token, err := p.authValue(ctx, auth.Token, in)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "api_key":
		value, err := p.authValue(ctx, auth.Value, in)
		if err != nil {
			return err
		}
		key := auth.Key
		if key == "" {
			key = "X-Api-Key"
		}
		if auth.In == "query" {
			q := req.URL.Query()
			q.Set(key, value)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(key, value)
		}
	case "basic":
		password, err := p.authValue(ctx, auth.Password, in)
		if err != nil {
			return err
		}
		req.SetBasicAuth(auth.Username, password)
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "unknown auth type %q", auth.Type)
	}
	return nil
}

func (p *HTTPCall) authValue(ctx context.Context, raw string, in Input) (string, error) {
	value := p.deps.Resolver.ResolveText(raw, in.Context)
	if name, ok := strings.CutPrefix(value, secretPrefix); ok {
		if p.deps.Vault == nil {
			return "", schema.NewError(schema.ErrCodeConfig, "secret reference but no vault configured")
		}
		secret, err := p.deps.Vault.Resolve(ctx, name)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeVault, "resolve secret %q: %v", name, err).WithCause(err)
		}
		return string(secret), nil
	}
	return value, nil
}

// resolveSmartVariables computes the named-transform layer: each smart
// variable resolves a scope path, applies its transform, and becomes a
// plain {{name}} substitution in the url, headers and body templates.
func (p *HTTPCall) resolveSmartVariables(ctx context.Context, cfg schema.HTTPCallNodeConfig, in Input) (map[string]string, error) {
	if len(cfg.SmartVariables) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(cfg.SmartVariables))
	for name, sv := range cfg.SmartVariables {
		value, _ := p.deps.Resolver.ResolveValue(sv.Path, in.Context)
		transformed, err := p.deps.Transforms.Apply(ctx, sv.Transform, value)
		if err != nil {
			return nil, wrapNodeErr(in.Node.ID, err)
		}
		out[name] = asString(transformed)
	}
	return out, nil
}

func substituteSmart(template string, smart map[string]string) string {
	for name, value := range smart {
		template = strings.ReplaceAll(template, "{{"+name+"}}", value)
	}
	return template
}

func wrapNodeErr(nodeID string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.NodeID == "" {
			fe.NodeID = nodeID
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%v", err).WithNode(nodeID).WithCause(err)
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
