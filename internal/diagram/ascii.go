package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "skipped":
		return "[SKIP]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as text: the top-level steps as boxes
// joined by arrows, then an indented tree for every nested step list.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		if i > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	for _, node := range model.Nodes {
		if len(node.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s sub-steps ---\n", node.ID)
		renderChildren(&b, node, 1)
	}

	return b.String()
}

// makeBox draws one node as a box: label, status tag and duration.
func makeBox(node *Node) []string {
	content := []string{firstLine(node.Label)}
	if node.Kind != NodeKindStart && node.Kind != NodeKindEnd {
		content = append(content, "("+string(node.Kind)+")")
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	width := 0
	for _, line := range content {
		width = max(width, len(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width+2)+"┐")
	for _, line := range content {
		lines = append(lines, "│ "+line+strings.Repeat(" ", width-len(line))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width+2)+"┘")
	return lines
}

func renderChildren(b *strings.Builder, node *Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, sg := range node.Children {
		fmt.Fprintf(b, "%s[%s]\n", indent, sg.Label)
		for _, sub := range sg.Nodes {
			fmt.Fprintf(b, "%s  %s%s\n", indent, firstLine(sub.Label), asciiStatus(sub.Status))
			renderChildren(b, sub, depth+2)
		}
	}
}

func asciiStatus(o *StatusOverlay) string {
	if o == nil {
		return ""
	}
	tag := statusTag(o.Status)
	if tag == "" {
		return ""
	}
	if o.Runs > 1 {
		return fmt.Sprintf(" %s x%d", tag, o.Runs)
	}
	return " " + tag
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
