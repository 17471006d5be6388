package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

func TestBuildGraphRejectsEmptyWorkflow(t *testing.T) {
	_, err := BuildGraph(&schema.Workflow{ID: "wf"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestBuildGraphRejectsDuplicateNodeIDs(t *testing.T) {
	_, err := BuildGraph(&schema.Workflow{
		ID: "wf",
		Nodes: []schema.Node{
			{ID: "a", Type: schema.NodeMessageTrigger},
			{ID: "a", Type: schema.NodeSendMessage},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node ID")
}

func TestBuildGraphRejectsDanglingEdges(t *testing.T) {
	_, err := BuildGraph(&schema.Workflow{
		ID:    "wf",
		Nodes: []schema.Node{{ID: "a", Type: schema.NodeMessageTrigger}},
		Edges: []schema.Edge{{Source: "a", Target: "ghost"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")

	_, err = BuildGraph(&schema.Workflow{
		ID:    "wf",
		Nodes: []schema.Node{{ID: "a", Type: schema.NodeMessageTrigger}},
		Edges: []schema.Edge{{Source: "ghost", Target: "a"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestStartNodePrefersTriggerWithNoInbound(t *testing.T) {
	g, err := BuildGraph(&schema.Workflow{
		ID: "wf",
		Nodes: []schema.Node{
			{ID: "tpl", Type: schema.NodeTemplate},
			{ID: "trig", Type: schema.NodeMessageTrigger},
			{ID: "send", Type: schema.NodeSendMessage},
		},
		Edges: []schema.Edge{
			{Source: "trig", Target: "tpl"},
			{Source: "tpl", Target: "send"},
		},
	})
	require.NoError(t, err)

	start, err := g.StartNode()
	require.NoError(t, err)
	assert.Equal(t, "trig", start)
}

func TestStartNodeFallsBackToAnyRoot(t *testing.T) {
	g, err := BuildGraph(&schema.Workflow{
		ID: "wf",
		Nodes: []schema.Node{
			{ID: "tpl", Type: schema.NodeTemplate},
			{ID: "send", Type: schema.NodeSendMessage},
		},
		Edges: []schema.Edge{{Source: "tpl", Target: "send"}},
	})
	require.NoError(t, err)

	start, err := g.StartNode()
	require.NoError(t, err)
	assert.Equal(t, "tpl", start)
}

func TestStartNodeFallsBackToFirstEdgeSource(t *testing.T) {
	// A two-node cycle has no zero in-degree node at all.
	g, err := BuildGraph(&schema.Workflow{
		ID: "wf",
		Nodes: []schema.Node{
			{ID: "a", Type: schema.NodeTemplate},
			{ID: "b", Type: schema.NodeSendMessage},
		},
		Edges: []schema.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	})
	require.NoError(t, err)

	start, err := g.StartNode()
	require.NoError(t, err)
	assert.Equal(t, "a", start)
}

func TestNextEdgesMatchesHandleExactly(t *testing.T) {
	g, err := BuildGraph(&schema.Workflow{
		ID: "wf",
		Nodes: []schema.Node{
			{ID: "cond", Type: schema.NodeCondition},
			{ID: "yes", Type: schema.NodeTemplate},
			{ID: "no", Type: schema.NodeTemplate},
			{ID: "always", Type: schema.NodeTemplate},
		},
		Edges: []schema.Edge{
			{Source: "cond", Target: "yes", SourceHandle: schema.BranchTrue},
			{Source: "cond", Target: "no", SourceHandle: schema.BranchFalse},
			{Source: "cond", Target: "always"},
		},
	})
	require.NoError(t, err)

	edges := g.NextEdges("cond", schema.BranchTrue)
	require.Len(t, edges, 1)
	assert.Equal(t, "yes", edges[0].Target)

	// A branch value follows only matching-handle edges; the handle-less
	// edge does not act as a fallback.
	edges = g.NextEdges("cond", "maybe")
	assert.Empty(t, edges)

	// An empty branch follows only handle-less edges.
	edges = g.NextEdges("cond", "")
	require.Len(t, edges, 1)
	assert.Equal(t, "always", edges[0].Target)
}

func TestNextEdgesPreservesDefinitionOrder(t *testing.T) {
	g, err := BuildGraph(&schema.Workflow{
		ID: "wf",
		Nodes: []schema.Node{
			{ID: "a", Type: schema.NodeMessageTrigger},
			{ID: "b", Type: schema.NodeTemplate},
			{ID: "c", Type: schema.NodeTemplate},
			{ID: "d", Type: schema.NodeTemplate},
		},
		Edges: []schema.Edge{
			{Source: "a", Target: "c"},
			{Source: "a", Target: "b"},
			{Source: "a", Target: "d"},
		},
	})
	require.NoError(t, err)

	edges := g.NextEdges("a", "")
	require.Len(t, edges, 3)
	assert.Equal(t, "c", edges[0].Target)
	assert.Equal(t, "b", edges[1].Target)
	assert.Equal(t, "d", edges[2].Target)
}
