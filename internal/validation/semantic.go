package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// highRetryLimit triggers a warning; every retry is a paid model call.
const highRetryLimit = 10

// validateSemantic checks what the schema cannot: known models, criterion
// payloads, and retry limits.
func validateSemantic(def *schema.WorkflowDefinition, models ModelLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if strings.TrimSpace(def.Name) == "" {
		result.AddError("name", schema.ErrCodeValidation, "name is required")
	}
	if len(def.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "a workflow needs at least one step")
	}

	for i := range def.Steps {
		validateStep(&def.Steps[i], i, models, result)
	}
	return result
}

func validateStep(step *schema.StepDefinition, i int, models ModelLookup, result *schema.ValidationResult) {
	if step.Model == "" {
		result.AddError(schema.StepPath(i, "model"), schema.ErrCodeValidation, "model is required")
	} else if models != nil && !models.Has(step.Model) {
		result.AddError(schema.StepPath(i, "model"), schema.ErrCodeValidation,
			fmt.Sprintf("unknown model %q", step.Model))
	}

	if step.RetryLimit < 0 {
		result.AddError(schema.StepPath(i, "retry_limit"), schema.ErrCodeValidation,
			fmt.Sprintf("retry_limit must be non-negative, got %d", step.RetryLimit))
	} else if step.RetryLimit > highRetryLimit {
		result.AddWarning(schema.StepPath(i, "retry_limit"), schema.ErrCodeValidation,
			fmt.Sprintf("high retry limit (%d) may cause excessive model calls", step.RetryLimit))
	}

	switch c := step.Criterion.(type) {
	case nil:
		result.AddError(schema.StepPath(i, "completion_criteria"), schema.ErrCodeValidation, "completion_criteria is required")
	case schema.LLMJudge:
		if strings.TrimSpace(c.Instruction) == "" {
			result.AddError(schema.StepPath(i, "completion_criteria.instruction"), schema.ErrCodeValidation,
				"llm_judge requires an instruction")
		}
	}

	if step.Order > 0 && !strings.Contains(step.PromptTemplate, schema.ContextPlaceholder) {
		result.AddWarning(schema.StepPath(i, "prompt_template"), schema.ErrCodeValidation,
			"template has no "+schema.ContextPlaceholder+" placeholder; the previous step's output is ignored")
	}
}
