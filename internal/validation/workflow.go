package validation

import (
	"encoding/json"

	"github.com/rendis/agentflow/pkg/schema"
)

// WorkflowValidator orchestrates the validation pipeline:
// 1. Structural (JSON Schema, raw documents only)
// 2. Semantic (models, criteria, retry limits)
// 3. Order (unique, contiguous step orders)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	models     ModelLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// models may be nil to skip model existence checks.
func NewWorkflowValidator(models ModelLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, models: models}, nil
}

// ValidateDocument validates a raw definition body and decodes it. The
// definition is nil whenever the result carries errors.
func (wv *WorkflowValidator) ValidateDocument(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	// Stage 1: Structural. Errors short-circuit the rest.
	result := wv.jsonSchema.Validate(raw)
	if !result.Valid() {
		return nil, result
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError("/", schema.ErrCodeValidation, schema.ErrorMessage(err))
		return nil, result
	}

	result.Merge(wv.Validate(&def))
	if !result.Valid() {
		return nil, result
	}
	return &def, result
}

// Validate runs the semantic and order stages on a decoded definition.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	// Stage 2: Semantic.
	result := validateSemantic(def, wv.models)

	// Stage 3: Order.
	result.Merge(validateOrder(def))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

var _ Validator = (*WorkflowValidator)(nil)
