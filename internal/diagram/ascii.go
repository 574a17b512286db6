package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			renderConnector(&b, model.Edges, node.ID)
		}
	}

	return b.String()
}

// makeBox returns the rendered lines of a single node box.
func makeBox(node *Node) []string {
	content := []string{node.Label}
	if node.Detail != "" {
		content = append(content, node.Detail)
	}
	if node.Status != nil {
		status := statusTag(node.Status.Status)
		if node.Status.DurationMs > 0 {
			status = strings.TrimSpace(fmt.Sprintf("%s %dms", status, node.Status.DurationMs))
		}
		if node.Status.RetriesUsed > 0 {
			status = strings.TrimSpace(fmt.Sprintf("%s retries=%d", status, node.Status.RetriesUsed))
		}
		if status != "" {
			content = append(content, status)
		}
		if node.Status.Error != "" {
			content = append(content, truncate(node.Status.Error, 60))
		}
	}

	width := 0
	for _, line := range content {
		width = max(width, utf8.RuneCountInString(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width+2)+"┐")
	for _, line := range content {
		pad := width - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width+2)+"┘")
	return lines
}

// renderConnector draws the arrow leaving node from, with its edge label.
func renderConnector(b *strings.Builder, edges []Edge, from string) {
	label := ""
	for _, e := range edges {
		if e.From == from {
			label = e.Label
			break
		}
	}
	if label != "" {
		fmt.Fprintf(b, "  │ %s\n", label)
	} else {
		b.WriteString("  │\n")
	}
	b.WriteString("  ▼\n")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
