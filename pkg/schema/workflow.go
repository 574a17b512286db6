package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContextPlaceholder is the reserved token replaced by the running context
// when a prompt template is rendered.
const ContextPlaceholder = "{{context}}"

// DefaultRetryLimit applies when a step omits retry_limit.
const DefaultRetryLimit = 3

// WorkflowDefinition is an immutable, ordered pipeline of model invocations.
type WorkflowDefinition struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Steps     []StepDefinition `json:"steps"`
	CreatedAt time.Time        `json:"created_at"`
}

// StepDefinition describes one model invocation in a workflow.
type StepDefinition struct {
	Order          int       `json:"order"`
	PromptTemplate string    `json:"prompt_template"`
	Model          string    `json:"model"`
	RetryLimit     int       `json:"retry_limit"`
	Criterion      Criterion `json:"-"`
}

type stepDefinitionJSON struct {
	Order          int           `json:"order"`
	PromptTemplate string        `json:"prompt_template"`
	Model          string        `json:"model"`
	RetryLimit     *int          `json:"retry_limit,omitempty"`
	Criterion      CriterionSpec `json:"completion_criteria"`
}

// MarshalJSON writes the criterion under completion_criteria.
func (s StepDefinition) MarshalJSON() ([]byte, error) {
	limit := s.RetryLimit
	return json.Marshal(stepDefinitionJSON{
		Order:          s.Order,
		PromptTemplate: s.PromptTemplate,
		Model:          s.Model,
		RetryLimit:     &limit,
		Criterion:      SpecOf(s.Criterion),
	})
}

// UnmarshalJSON applies DefaultRetryLimit when retry_limit is absent and
// decodes completion_criteria into its concrete Criterion.
func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	var raw stepDefinitionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	crit, err := raw.Criterion.Criterion()
	if err != nil {
		return err
	}
	s.Order = raw.Order
	s.PromptTemplate = raw.PromptTemplate
	s.Model = raw.Model
	s.RetryLimit = DefaultRetryLimit
	if raw.RetryLimit != nil {
		s.RetryLimit = *raw.RetryLimit
	}
	s.Criterion = crit
	return nil
}

// CriterionType tags the completion criterion variants.
type CriterionType string

const (
	CriterionContains  CriterionType = "contains"
	CriterionJSONValid CriterionType = "json_valid"
	CriterionLLMJudge  CriterionType = "llm_judge"
)

// Criterion is the closed set of completion criteria a step output is judged
// against. Implementations: Contains, JSONValid, LLMJudge.
type Criterion interface {
	Type() CriterionType
	criterion()
}

// Contains accepts outputs containing Value as a case-sensitive substring.
type Contains struct {
	Value string
}

// JSONValid accepts outputs that parse as a JSON value.
type JSONValid struct{}

// LLMJudge accepts outputs the judge model affirms against Instruction.
type LLMJudge struct {
	Instruction string
}

func (Contains) Type() CriterionType  { return CriterionContains }
func (JSONValid) Type() CriterionType { return CriterionJSONValid }
func (LLMJudge) Type() CriterionType  { return CriterionLLMJudge }

func (Contains) criterion()  {}
func (JSONValid) criterion() {}
func (LLMJudge) criterion()  {}

// CriterionSpec is the wire form of a Criterion.
type CriterionSpec struct {
	Type        CriterionType `json:"type"`
	Value       string        `json:"value,omitempty"`
	Instruction string        `json:"instruction,omitempty"`
}

// Criterion converts the wire form into its concrete variant. An llm_judge
// without instruction falls back to value.
func (c CriterionSpec) Criterion() (Criterion, error) {
	switch c.Type {
	case CriterionContains:
		return Contains{Value: c.Value}, nil
	case CriterionJSONValid:
		return JSONValid{}, nil
	case CriterionLLMJudge:
		instr := c.Instruction
		if instr == "" {
			instr = c.Value
		}
		return LLMJudge{Instruction: instr}, nil
	case "":
		return nil, NewError(ErrCodeValidation, "completion_criteria.type is required")
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown completion criterion type %q", c.Type)
	}
}

// SpecOf returns the wire form of c. A nil criterion yields the zero spec.
func SpecOf(c Criterion) CriterionSpec {
	switch v := c.(type) {
	case Contains:
		return CriterionSpec{Type: CriterionContains, Value: v.Value}
	case JSONValid:
		return CriterionSpec{Type: CriterionJSONValid}
	case LLMJudge:
		return CriterionSpec{Type: CriterionLLMJudge, Value: v.Instruction, Instruction: v.Instruction}
	default:
		return CriterionSpec{}
	}
}

// String renders a criterion for logs.
func (c CriterionSpec) String() string {
	switch c.Type {
	case CriterionContains:
		return fmt.Sprintf("contains(%q)", c.Value)
	case CriterionLLMJudge:
		return fmt.Sprintf("llm_judge(%q)", c.Instruction)
	default:
		return string(c.Type)
	}
}
