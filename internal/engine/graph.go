package engine

import (
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Graph is the in-memory adjacency view of a workflow the walk loop runs
// over. Edge order follows definition order, which makes fan-out
// deterministic.
type Graph struct {
	Nodes map[string]schema.Node
	Out   map[string][]schema.Edge
	InDeg map[string]int

	order []string // node IDs in definition order
	edges []schema.Edge
}

// BuildGraph validates a workflow's structure and builds its adjacency
// maps. Structural problems here are configuration errors: the run fails
// fast before any step executes.
func BuildGraph(wf *schema.Workflow) (*Graph, error) {
	if wf == nil || len(wf.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Nodes: make(map[string]schema.Node, len(wf.Nodes)),
		Out:   make(map[string][]schema.Edge, len(wf.Nodes)),
		InDeg: make(map[string]int, len(wf.Nodes)),
		order: make([]string, 0, len(wf.Nodes)),
		edges: wf.Edges,
	}

	for _, n := range wf.Nodes {
		if n.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "node with empty ID")
		}
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID %q", n.ID)
		}
		g.Nodes[n.ID] = n
		g.InDeg[n.ID] = 0
		g.order = append(g.order, n.ID)
	}

	for _, e := range wf.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge references unknown source node %q", e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge references unknown target node %q", e.Target)
		}
		g.Out[e.Source] = append(g.Out[e.Source], e)
		g.InDeg[e.Target]++
	}

	return g, nil
}

// StartNode picks the walk entry point: a trigger-type node with no
// inbound edges wins, then any node with no inbound edges, then the first
// edge's source as a compatibility fallback for legacy definitions.
func (g *Graph) StartNode() (string, error) {
	for _, id := range g.order {
		if g.Nodes[id].Type.IsTrigger() && g.InDeg[id] == 0 {
			return id, nil
		}
	}
	for _, id := range g.order {
		if g.InDeg[id] == 0 {
			return id, nil
		}
	}
	if len(g.edges) > 0 {
		return g.edges[0].Source, nil
	}
	return "", schema.NewError(schema.ErrCodeValidation, "workflow has no start node")
}

// NextEdges returns the edges the walk may take out of a node. A non-empty
// branch value selects only matching-handle edges; there is no fallback to
// unhandled edges, so an unmatched branch ends the path. Nodes without a
// branch value follow only handle-less edges.
func (g *Graph) NextEdges(nodeID, branch string) []schema.Edge {
	var out []schema.Edge
	for _, e := range g.Out[nodeID] {
		if e.SourceHandle == branch {
			out = append(out, e)
		}
	}
	return out
}
