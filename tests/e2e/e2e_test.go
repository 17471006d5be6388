package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/internal/engine"
	"github.com/flowtalk-io/flowtalk/internal/expressions"
	"github.com/flowtalk-io/flowtalk/internal/gateway"
	"github.com/flowtalk-io/flowtalk/internal/processors"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/internal/streaming"
	"github.com/flowtalk-io/flowtalk/internal/validation"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

const tenant = "t-e2e"

// recordingGateway captures outbound messages in memory.
type recordingGateway struct {
	mu    sync.Mutex
	sends []gateway.OutboundMessage
}

func (g *recordingGateway) Channel() string { return "demo" }

func (g *recordingGateway) Send(_ context.Context, _ gateway.Destination, msg gateway.OutboundMessage) (*gateway.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, msg)
	return &gateway.Receipt{ProviderID: fmt.Sprintf("p-%d", len(g.sends))}, nil
}

func (g *recordingGateway) ResolveMediaURL(context.Context, string) (string, time.Duration, error) {
	return "", 0, schema.NewError(schema.ErrCodeGateway, "no media in e2e gateway")
}

func (g *recordingGateway) bodies() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.sends))
	for i, s := range g.sends {
		out[i] = s.Body
	}
	return out
}

type fixture struct {
	store   *store.MemoryStore
	engine  *engine.Engine
	gateway *recordingGateway
	hub     *streaming.MemoryHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st := store.NewMemoryStore()
	gw := &recordingGateway{}
	breakers := gateway.NewCircuitBreakerRegistry(gateway.DefaultCircuitBreakerConfig())
	gateways := gateway.NewRegistry(gateway.RegistryConfig{}, breakers, logger)
	require.NoError(t, gateways.Register(gw))

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	deps := processors.Deps{
		Store:      st,
		Resolver:   expressions.NewResolver(),
		Gateways:   gateways,
		Hub:        hub,
		CEL:        cel,
		JQ:         expressions.NewGoJQEngine(),
		Transforms: expressions.NewTransforms(),
		Logger:     logger,
	}

	return &fixture{
		store:   st,
		engine:  engine.New(st, processors.NewRegistry(deps), hub, logger, engine.Config{}),
		gateway: gw,
		hub:     hub,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// leadRoutingWorkflow routes pricing questions to a qualification branch and
// everything else to an acknowledgment.
func leadRoutingWorkflow(t *testing.T) *schema.Workflow {
	t.Helper()
	return &schema.Workflow{
		ID:       "wf-lead",
		TenantID: tenant,
		Name:     "lead routing",
		Active:   true,
		Nodes: []schema.Node{
			{ID: "inbound", Type: schema.NodeMessageTrigger},
			{ID: "asks_pricing", Type: schema.NodeCondition, Config: mustJSON(t, schema.ConditionNodeConfig{
				Clauses: []schema.ConditionClause{
					{Field: "trigger.message", Operator: "contains", Value: "price"},
				},
			})},
			{ID: "qualify", Type: schema.NodeContactUpdate, Config: mustJSON(t, schema.UpdateNodeConfig{
				Static: []schema.UpdateAssignment{{Field: "status", Value: "qualified", Type: "text"}},
			})},
			{ID: "send_offer", Type: schema.NodeSendMessage, Config: mustJSON(t, schema.SendNodeConfig{
				Mode: "forced", Channel: "demo", MaxDelaySeconds: 1,
				Body: "Hi {{customer.name}}, premium is $49/month.",
			})},
			{ID: "send_ack", Type: schema.NodeSendMessage, Config: mustJSON(t, schema.SendNodeConfig{
				Mode: "forced", Channel: "demo", MaxDelaySeconds: 1,
				Body: "Thanks {{customer.name}}!",
			})},
		},
		Edges: []schema.Edge{
			{Source: "inbound", Target: "asks_pricing"},
			{Source: "asks_pricing", Target: "qualify", SourceHandle: schema.BranchTrue},
			{Source: "asks_pricing", Target: "send_ack", SourceHandle: schema.BranchFalse},
			{Source: "qualify", Target: "send_offer"},
		},
	}
}

func inbound(message string) schema.TriggerPayload {
	return schema.TriggerPayload{
		schema.KeyTriggerType: schema.TriggerTypeMessage,
		schema.KeyChannel:     "demo",
		schema.KeyPhone:       "+5215550001",
		schema.KeyName:        "Maria Lopez",
		schema.KeyMessage:     message,
	}
}

func TestLeadRoutingEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := leadRoutingWorkflow(t)

	validator, err := validation.NewWorkflowValidator()
	require.NoError(t, err)
	require.NoError(t, validator.ValidateWorkflow(wf))
	require.NoError(t, f.store.SaveWorkflow(ctx, wf))

	events, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	run, err := f.engine.Execute(ctx, wf.ID, inbound("what is the price?"))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	steps, err := f.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "inbound", steps[0].NodeID)
	assert.Equal(t, "asks_pricing", steps[1].NodeID)
	assert.Equal(t, "true", steps[1].BranchTaken)
	assert.Equal(t, "qualify", steps[2].NodeID)
	assert.Equal(t, "send_offer", steps[3].NodeID)

	// The trigger created the contact and the update branch qualified it.
	contact, err := f.store.FindContactByPhone(ctx, tenant, "+5215550001")
	require.NoError(t, err)
	assert.Equal(t, "qualified", contact.Status)

	require.Len(t, f.gateway.bodies(), 1)
	assert.Equal(t, "Hi Maria Lopez, premium is $49/month.", f.gateway.bodies()[0])

	msgs, err := f.store.ListMessages(ctx, store.MessageFilter{TenantID: tenant, ContactID: contact.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "out", msgs[0].Direction)
	assert.Equal(t, "sent", msgs[0].Status)
	assert.Equal(t, run.ID, msgs[0].RunID)

	seen := drainEvents(events)
	assert.Contains(t, seen, schema.EventRunStarted)
	assert.Contains(t, seen, schema.EventStepCompleted)
	assert.Contains(t, seen, schema.EventMessageSent)
	assert.Contains(t, seen, schema.EventRunCompleted)
}

func TestLeadRoutingFalseBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := leadRoutingWorkflow(t)
	require.NoError(t, f.store.SaveWorkflow(ctx, wf))

	run, err := f.engine.Execute(ctx, wf.ID, inbound("hello there"))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	steps, err := f.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "send_ack", steps[2].NodeID)
	assert.Equal(t, "false", steps[1].BranchTaken)

	contact, err := f.store.FindContactByPhone(ctx, tenant, "+5215550001")
	require.NoError(t, err)
	assert.Empty(t, contact.Status, "small talk does not qualify the lead")
	assert.Equal(t, []string{"Thanks Maria Lopez!"}, f.gateway.bodies())
}

func TestRepeatRunDeduplicatesOutbound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := leadRoutingWorkflow(t)
	require.NoError(t, f.store.SaveWorkflow(ctx, wf))

	_, err := f.engine.Execute(ctx, wf.ID, inbound("price please"))
	require.NoError(t, err)
	run2, err := f.engine.Execute(ctx, wf.ID, inbound("price please"))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run2.Status)

	// Identical body to the same contact inside the dedup window: the
	// second run completes but delivers nothing.
	require.Len(t, f.gateway.bodies(), 1)

	steps, err := f.store.ListSteps(ctx, run2.ID)
	require.NoError(t, err)
	var sendOutput map[string]any
	for _, s := range steps {
		if s.NodeID == "send_offer" {
			require.NoError(t, json.Unmarshal(s.Output, &sendOutput))
		}
	}
	require.NotNil(t, sendOutput)
	assert.Equal(t, float64(0), sendOutput["sent"])
	assert.Equal(t, float64(1), sendOutput["deduplicated"])
}

func TestInactiveWorkflowDoesNotRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := leadRoutingWorkflow(t)
	wf.Active = false
	require.NoError(t, f.store.SaveWorkflow(ctx, wf))

	_, err := f.engine.Execute(ctx, wf.ID, inbound("price?"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

// drainEvents collects event types until the channel goes quiet.
func drainEvents(events <-chan streaming.StreamEvent) []string {
	var seen []string
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev.EventType)
		case <-time.After(200 * time.Millisecond):
			return seen
		}
	}
}
