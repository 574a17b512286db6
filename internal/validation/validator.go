package validation

import "github.com/rendis/agentflow/pkg/schema"

// Validator checks workflow definitions before they are stored.
type Validator interface {
	// ValidateDocument checks a raw definition body and decodes it.
	ValidateDocument(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult)
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ModelLookup reports whether a model id can be invoked.
type ModelLookup interface {
	Has(model string) bool
}
