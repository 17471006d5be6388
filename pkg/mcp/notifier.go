package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/flowtalk-io/flowtalk/internal/streaming"
)

// EventNotifier forwards run events from the streaming hub to every
// connected MCP client as notifications. Delivery is best effort: a client
// that disconnected mid-run simply misses the remaining events.
type EventNotifier struct {
	mcpServer *server.MCPServer
	hub       streaming.EventHub
	logger    *slog.Logger
	filter    streaming.EventFilter
}

// NewEventNotifier creates a notifier over the given hub. An empty filter
// forwards every event.
func NewEventNotifier(mcpServer *server.MCPServer, hub streaming.EventHub, logger *slog.Logger, filter streaming.EventFilter) *EventNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventNotifier{
		mcpServer: mcpServer,
		hub:       hub,
		logger:    logger,
		filter:    filter,
	}
}

// Start subscribes to the hub and pumps events until ctx is cancelled.
func (n *EventNotifier) Start(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, n.filter)
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.forward(ev)
			}
		}
	}()
	return nil
}

func (n *EventNotifier) forward(ev streaming.StreamEvent) {
	payload := map[string]any{
		"event_type":  ev.EventType,
		"run_id":      ev.RunID,
		"workflow_id": ev.WorkflowID,
		"at":          ev.At,
	}
	if ev.TenantID != "" {
		payload["tenant_id"] = ev.TenantID
	}
	if ev.NodeID != "" {
		payload["node_id"] = ev.NodeID
	}
	if ev.Payload != nil {
		payload["payload"] = ev.Payload
	}

	n.mcpServer.SendNotificationToAllClients("notifications/flowtalk/event", payload)
}
