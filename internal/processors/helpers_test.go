package processors

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/internal/ai"
	"github.com/flowtalk-io/flowtalk/internal/expressions"
	"github.com/flowtalk-io/flowtalk/internal/gateway"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// fakeCompleter returns scripted model outputs in order, then repeats the
// last one. err, when set, fails every call.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	lastSys   string
	lastUser  string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string, params ai.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSys = system
	f.lastUser = user
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

// fakeGateway records sends and fails the first failN calls.
type fakeGateway struct {
	mu       sync.Mutex
	channel  string
	sent     []gateway.OutboundMessage
	dests    []gateway.Destination
	failN    int
	failWith error
	mediaURL string
}

func (g *fakeGateway) Channel() string { return g.channel }

func (g *fakeGateway) Send(ctx context.Context, dest gateway.Destination, msg gateway.OutboundMessage) (*gateway.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failN > 0 {
		g.failN--
		err := g.failWith
		if err == nil {
			err = schema.NewError(schema.ErrCodeGateway, "provider unavailable")
		}
		return nil, err
	}
	g.sent = append(g.sent, msg)
	g.dests = append(g.dests, dest)
	return &gateway.Receipt{ProviderID: "prov-1", Channel: g.channel, SentAt: time.Now()}, nil
}

func (g *fakeGateway) ResolveMediaURL(ctx context.Context, storedID string) (string, time.Duration, error) {
	url := g.mediaURL
	if url == "" {
		url = "https://media.test/" + storedID
	}
	return url, time.Hour, nil
}

func (g *fakeGateway) sentMessages() []gateway.OutboundMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.OutboundMessage(nil), g.sent...)
}

// newTestDeps wires Deps over the in-memory store with real expression
// engines and a fake whatsapp gateway.
func newTestDeps(t *testing.T) (Deps, *store.MemoryStore, *fakeGateway) {
	t.Helper()

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	gw := &fakeGateway{channel: schema.ChannelWhatsApp}
	gateways := gateway.NewRegistry(gateway.RegistryConfig{}, gateway.NewCircuitBreakerRegistry(gateway.CircuitBreakerConfig{}), discardLogger())
	require.NoError(t, gateways.Register(gw))

	s := store.NewMemoryStore()
	deps := Deps{
		Store:      s,
		Resolver:   expressions.NewResolver(),
		Gateways:   gateways,
		CEL:        cel,
		JQ:         expressions.NewGoJQEngine(),
		Transforms: expressions.NewTransforms(),
		Logger:     discardLogger(),
	}
	return deps, s, gw
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRun(tenantID string) *store.Run {
	return &store.Run{ID: "run-1", WorkflowID: "wf-1", TenantID: tenantID, Status: schema.RunStatusRunning}
}

func testInput(node schema.Node, trigger schema.TriggerPayload) Input {
	return Input{
		Node:    node,
		Run:     testRun("tenant-1"),
		Context: expressions.NewContext(trigger),
	}
}

func rawConfig(s string) json.RawMessage {
	return json.RawMessage(s)
}
