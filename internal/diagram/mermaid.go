package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		writeMermaidNode(&b, node, 1)
	}
	writeMermaidEdges(&b, model.Edges, 1)

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	walk(model.Nodes, func(n *Node) {
		if n.Status == nil {
			return
		}
		if cls := mermaidStatusClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), cls)
		}
	})

	return b.String()
}

func writeMermaidNode(b *strings.Builder, node *Node, depth int) {
	indent := strings.Repeat("    ", depth)
	fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(node))

	for _, sg := range node.Children {
		fmt.Fprintf(b, "%ssubgraph %s[\"%s: %s\"]\n",
			indent, mermaidSafeID(node.ID+"__"+sg.Label), node.ID, sg.Label)
		for _, sub := range sg.Nodes {
			writeMermaidNode(b, sub, depth+1)
		}
		writeMermaidEdges(b, sg.Edges, depth+1)
		fmt.Fprintf(b, "%send\n", indent)
	}
}

func writeMermaidEdges(b *strings.Builder, edges []Edge, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, edge := range edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(b, "%s%s -->%s %s\n", indent, mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindScript:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindParallel, NodeKindLoop, NodeKindSequence:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "skipped":
		return status
	default:
		return ""
	}
}

// walk visits every node depth first, children after their parent.
func walk(nodes []*Node, fn func(*Node)) {
	for _, n := range nodes {
		fn(n)
		for _, sg := range n.Children {
			walk(sg.Nodes, fn)
		}
	}
}
