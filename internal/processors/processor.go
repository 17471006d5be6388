// Package processors implements one step processor per node type. Processors
// are stateless; everything per-run arrives through Input and everything
// shared through the Deps given at construction.
package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flowtalk-io/flowtalk/internal/ai"
	"github.com/flowtalk-io/flowtalk/internal/expressions"
	"github.com/flowtalk-io/flowtalk/internal/gateway"
	"github.com/flowtalk-io/flowtalk/internal/secrets"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/internal/streaming"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Processor executes one node type.
type Processor interface {
	Type() schema.NodeType
	Process(ctx context.Context, in Input) (*Result, error)
}

// Input is the per-node execution input. Context is the run's shared
// execution context; forked sub-walks hand in the same instance.
type Input struct {
	Node    schema.Node
	Run     *store.Run
	Context *expressions.Context
}

// Result is a processor outcome. Output is merged into the execution context
// under the node's ID; Branch, when non-empty, routes the walk over edges
// whose source handle matches.
type Result struct {
	Output map[string]any
	Branch string
}

// Deps carries the collaborators processors draw on. The engine builds one
// Deps at startup and shares it across all processors.
type Deps struct {
	Store      store.Store
	Resolver   *expressions.Resolver
	Completer  ai.Completer
	Gateways   *gateway.Registry
	Vault      secrets.Vault
	Hub        streaming.EventHub
	CEL        *expressions.CELEngine
	JQ         *expressions.GoJQEngine
	Transforms *expressions.Transforms
	Logger     *slog.Logger
}

// publish emits a domain event for the step, best effort.
func (d Deps) publish(ctx context.Context, in Input, eventType string, payload any) {
	if d.Hub == nil {
		return
	}
	_ = d.Hub.Publish(ctx, streaming.StreamEvent{
		RunID:      in.Run.ID,
		WorkflowID: in.Run.WorkflowID,
		TenantID:   in.Run.TenantID,
		NodeID:     in.Node.ID,
		EventType:  eventType,
		Payload:    payload,
	})
}

// asString renders a resolved scope value the way text templates would:
// strings pass through, scalars format naturally, structures as JSON.
func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		if b, err := json.Marshal(v); err == nil {
			if len(b) > 0 && b[0] == '"' {
				return string(b[1 : len(b)-1])
			}
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

// decodeConfig unmarshals a node's raw config block. An absent block leaves
// dst at its zero value so processors apply their own defaults.
func decodeConfig(node schema.Node, dst any) error {
	if len(node.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(node.Config, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid %s config: %v", node.Type, err).
			WithNode(node.ID).
			WithCause(err)
	}
	return nil
}
