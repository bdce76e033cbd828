package diagram

import (
	"fmt"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow document and an optional
// execution snapshot whose step results are overlaid on the nodes.
func Build(doc *schema.WorkflowDocument, snap *schema.ExecutionSnapshot) (*DiagramModel, error) {
	if doc == nil {
		return nil, fmt.Errorf("diagram: nil workflow document")
	}

	b := &builder{overlays: overlays(snap)}

	nodes := []*Node{{ID: startID, Label: "Start", Kind: NodeKindStart}}
	nodes = append(nodes, b.list(doc.Steps, "")...)
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: titleFromDoc(doc),
		Nodes: nodes,
		Edges: chain(nodes),
	}, nil
}

type builder struct {
	overlays map[string]*StatusOverlay
}

func (b *builder) list(steps []schema.StepDefinition, prefix string) []*Node {
	nodes := make([]*Node, 0, len(steps))
	for i := range steps {
		nodes = append(nodes, b.node(&steps[i], join(prefix, steps[i].ID)))
	}
	return nodes
}

func (b *builder) node(step *schema.StepDefinition, key string) *Node {
	n := &Node{
		ID:     key,
		Label:  nodeLabel(step),
		Kind:   stepTypeToKind(step.Type),
		Status: b.overlays[key],
	}

	switch step.Type {
	case schema.StepTypeSequence:
		n.Children = append(n.Children, b.sequential("steps", step.Steps, key))
	case schema.StepTypeConditional:
		n.Children = append(n.Children,
			b.sequential(engine.SegmentThen, step.Then, join(key, engine.SegmentThen)),
			b.sequential(engine.SegmentElse, step.Else, join(key, engine.SegmentElse)),
		)
	case schema.StepTypeLoop:
		n.Children = append(n.Children, b.sequential("body", step.Steps, key))
	case schema.StepTypeParallel:
		// Children run concurrently, so they get no edges between them.
		n.Children = append(n.Children, &SubGraph{Label: "branches", Nodes: b.list(step.Steps, key)})
	}

	if len(step.OnSuccess) > 0 {
		n.Children = append(n.Children, b.sequential(engine.SegmentOnSuccess, step.OnSuccess, join(key, engine.SegmentOnSuccess)))
	}
	if len(step.OnError) > 0 {
		n.Children = append(n.Children, b.sequential(engine.SegmentOnError, step.OnError, join(key, engine.SegmentOnError)))
	}
	return n
}

func (b *builder) sequential(label string, steps []schema.StepDefinition, prefix string) *SubGraph {
	nodes := b.list(steps, prefix)
	return &SubGraph{Label: label, Nodes: nodes, Edges: chain(nodes)}
}

// chain links nodes in list order.
func chain(nodes []*Node) []Edge {
	if len(nodes) < 2 {
		return nil
	}
	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return edges
}

// overlays folds step results into one overlay per static key. A failed
// iteration wins over completed ones, completed wins over skipped.
func overlays(snap *schema.ExecutionSnapshot) map[string]*StatusOverlay {
	if snap == nil {
		return nil
	}
	out := make(map[string]*StatusOverlay, len(snap.StepResults))
	for key, r := range snap.StepResults {
		if r == nil {
			continue
		}
		id := engine.StaticKey(key)
		o, ok := out[id]
		if !ok {
			o = &StatusOverlay{}
			out[id] = o
		}
		o.Runs++
		o.Attempts += r.Attempts
		o.DurationMs += r.DurationMs
		if rank(r.Status) > rank(schema.StepOutcome(o.Status)) {
			o.Status = string(r.Status)
		}
		if r.Error != nil && o.Error == "" {
			o.Error = r.Error.Error()
		}
	}
	return out
}

func rank(s schema.StepOutcome) int {
	switch s {
	case schema.OutcomeFailed:
		return 3
	case schema.OutcomeCompleted:
		return 2
	case schema.OutcomeSkipped:
		return 1
	default:
		return 0
	}
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeSequence:
		return NodeKindSequence
	case schema.StepTypeConditional:
		return NodeKindCondition
	case schema.StepTypeLoop:
		return NodeKindLoop
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeWait:
		return NodeKindWait
	case schema.StepTypeScript, schema.StepTypeVerify:
		return NodeKindScript
	default:
		return NodeKindBrowser
	}
}

// nodeLabel is "id\n(type)"; renderers that fit one line use the id only.
func nodeLabel(step *schema.StepDefinition) string {
	name := step.ID
	if step.Name != "" {
		name = step.Name
	}
	return fmt.Sprintf("%s\n(%s)", name, step.Type)
}

func join(prefix, id string) string {
	if prefix == "" {
		return id
	}
	return prefix + "." + id
}

func titleFromDoc(doc *schema.WorkflowDocument) string {
	switch {
	case doc.Name != "":
		return doc.Name
	case doc.ID != "":
		return doc.ID
	default:
		return "Workflow"
	}
}
