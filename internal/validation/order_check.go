package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/agentflow/pkg/schema"
)

// validateOrder checks that step orders are unique and form 0..n-1.
func validateOrder(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[int]int, len(def.Steps))
	for i, s := range def.Steps {
		if prev, dup := seen[s.Order]; dup {
			result.AddError(schema.StepPath(i, "order"), schema.ErrCodeValidation,
				fmt.Sprintf("order %d already used by steps[%d]", s.Order, prev))
			continue
		}
		seen[s.Order] = i
	}
	if !result.Valid() {
		return result
	}

	orders := make([]int, 0, len(seen))
	for o := range seen {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	for want, got := range orders {
		if got != want {
			result.AddError("steps", schema.ErrCodeValidation,
				fmt.Sprintf("step orders must be contiguous from 0: missing order %d", want))
			break
		}
	}
	return result
}
