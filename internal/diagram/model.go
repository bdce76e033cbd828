package diagram

// NodeKind classifies a diagram node by the shape it renders with.
type NodeKind string

const (
	NodeKindBrowser   NodeKind = "browser"
	NodeKindScript    NodeKind = "script"
	NodeKindWait      NodeKind = "wait"
	NodeKindSequence  NodeKind = "sequence"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step. ID is the step's result key with iteration segments
// dropped, so it is unique across the whole tree.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph
}

// SubGraph holds a nested step list: sequence body, branch, loop body,
// parallel children or a handler list.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node. Loop bodies aggregate
// every iteration into one overlay.
type StatusOverlay struct {
	Status     string
	Runs       int
	Attempts   int
	DurationMs int64
	Error      string
}

// Edge connects two nodes in execution order.
type Edge struct {
	From  string
	To    string
	Label string
}
