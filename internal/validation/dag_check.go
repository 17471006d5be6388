package validation

import (
	"fmt"
	"sort"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// validateDAG performs graph analysis: cycle detection (Kahn's algorithm)
// and dead-node reachability (BFS from roots). Cycles are a warning, not an
// error; the engine's step ceiling keeps a cyclic walk bounded at run time.
func validateDAG(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodeIDs[n.ID] = true
	}

	out := make(map[string][]string, len(wf.Nodes))
	inDegree := make(map[string]int, len(wf.Nodes))
	for id := range nodeIDs {
		inDegree[id] = 0
	}
	for _, e := range wf.Edges {
		if !nodeIDs[e.Source] || !nodeIDs[e.Target] {
			continue // dangling refs already caught by semantic
		}
		out[e.Source] = append(out[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(wf.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	roots := append([]string(nil), queue...)

	remaining := make(map[string]int, len(inDegree))
	for id, deg := range inDegree {
		remaining[id] = deg
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[node] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddWarning("/edges", "cycle",
			"workflow graph contains a cycle; runs stop at the step ceiling")
		return result // reachability is meaningless inside a cycle
	}

	reachable := make(map[string]bool, len(nodeIDs))
	bfs := append([]string(nil), roots...)
	for _, r := range roots {
		reachable[r] = true
	}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range out[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}

	for i, n := range wf.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("/nodes/%d", i), "unreachable_node",
				fmt.Sprintf("node %q is unreachable from any root node", n.ID))
		}
	}

	return result
}
