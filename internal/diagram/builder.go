package diagram

import (
	"fmt"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Build constructs a Model from a workflow, optionally overlaying one run's
// step states. Nodes keep their definition order; edges keep theirs.
func Build(wf *schema.Workflow, steps []*store.Step) *Model {
	stepsByNode := make(map[string]*store.Step, len(steps))
	for _, st := range steps {
		// A node can run more than once per run (cycles, forks); the last
		// step wins the overlay.
		stepsByNode[st.NodeID] = st
	}

	model := &Model{Title: title(wf)}
	for _, n := range wf.Nodes {
		node := &Node{
			ID:    n.ID,
			Label: nodeLabel(n),
			Kind:  kindOf(n.Type),
		}
		if st, ok := stepsByNode[n.ID]; ok {
			node.Status = &StatusOverlay{
				Status:     string(st.Status),
				DurationMs: st.DurationMs,
				Error:      st.Error,
			}
		}
		model.Nodes = append(model.Nodes, node)
	}

	for _, e := range wf.Edges {
		model.Edges = append(model.Edges, Edge{
			From:  e.Source,
			To:    e.Target,
			Label: e.SourceHandle,
		})
	}
	return model
}

func title(wf *schema.Workflow) string {
	if wf.Name != "" {
		return fmt.Sprintf("%s (%s)", wf.Name, wf.ID)
	}
	return wf.ID
}

func nodeLabel(n schema.Node) string {
	return fmt.Sprintf("%s: %s", n.ID, n.Type)
}

func kindOf(t schema.NodeType) NodeKind {
	switch {
	case t.IsTrigger():
		return NodeKindTrigger
	case t.ProducesBranch():
		return NodeKindBranch
	case t == schema.NodeDelay:
		return NodeKindWait
	case t == schema.NodeSendMessage:
		return NodeKindOutbound
	default:
		return NodeKindAction
	}
}
