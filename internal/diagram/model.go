package diagram

// NodeKind classifies a diagram node by its workflow node type, which
// drives the rendered shape.
type NodeKind string

const (
	NodeKindTrigger  NodeKind = "trigger"
	NodeKindBranch   NodeKind = "branch"
	NodeKindWait     NodeKind = "wait"
	NodeKindOutbound NodeKind = "outbound"
	NodeKindAction   NodeKind = "action"
)

// Model is the intermediate representation handed to the renderer.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the state of one run's step for this node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Error      string
}

// Edge is a directed connection; Label carries the branch handle.
type Edge struct {
	From  string
	To    string
	Label string
}
