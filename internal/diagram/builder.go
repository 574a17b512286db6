package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	startID = "start"
	endID   = "done"
)

// Build constructs a DiagramModel from a workflow definition. When run is
// non-nil its step results are overlaid on the matching step nodes.
func Build(def *schema.WorkflowDefinition, run *store.Run) (*DiagramModel, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: nil workflow definition")
	}
	if run != nil && run.WorkflowID != "" && def.ID != "" && run.WorkflowID != def.ID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"diagram: run %s belongs to workflow %s, not %s", run.ID, run.WorkflowID, def.ID)
	}

	steps := make([]schema.StepDefinition, len(def.Steps))
	copy(steps, def.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	results := map[int]store.StepResult{}
	if run != nil {
		for _, sr := range run.StepsResults {
			results[sr.Index] = sr
		}
	}

	nodes := make([]*Node, 0, len(steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i, step := range steps {
		node := &Node{
			ID:     stepID(i),
			Label:  fmt.Sprintf("step %d", i),
			Detail: stepDetail(step),
			Kind:   NodeKindStep,
		}
		if sr, ok := results[i]; ok {
			node.Status = overlay(sr)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		e := Edge{From: nodes[i-1].ID, To: nodes[i].ID}
		if nodes[i-1].Kind == NodeKindStep {
			e.Label = "output"
		}
		edges = append(edges, e)
	}

	return &DiagramModel{
		Title: titleFor(def, run),
		Nodes: nodes,
		Edges: edges,
	}, nil
}

func stepID(i int) string {
	return fmt.Sprintf("step_%d", i)
}

func stepDetail(step schema.StepDefinition) string {
	parts := []string{step.Model}
	if step.Criterion != nil {
		parts = append(parts, string(step.Criterion.Type()))
	}
	if step.RetryLimit > 0 {
		parts = append(parts, fmt.Sprintf("retry %d", step.RetryLimit))
	}
	return strings.Join(parts, " / ")
}

func overlay(sr store.StepResult) *StatusOverlay {
	o := &StatusOverlay{
		Status:      string(sr.Status),
		RetriesUsed: sr.RetriesUsed,
		Error:       sr.Error,
	}
	if sr.StartedAt != nil && sr.CompletedAt != nil {
		o.DurationMs = sr.CompletedAt.Sub(*sr.StartedAt).Milliseconds()
	}
	return o
}

func titleFor(def *schema.WorkflowDefinition, run *store.Run) string {
	title := def.Name
	if title == "" {
		title = def.ID
	}
	if run != nil {
		title = fmt.Sprintf("%s (run %s: %s)", title, run.ID, run.Status)
	}
	return title
}
