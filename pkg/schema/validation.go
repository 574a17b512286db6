package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
// Step is the position of the offending step in the submitted steps array,
// set whenever Path points inside one.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Step     *int               `json:"step,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// StepPath locates field of the i-th submitted step, e.g. steps[2].model.
// An empty field addresses the step itself.
func StepPath(i int, field string) string {
	if field == "" {
		return fmt.Sprintf("steps[%d]", i)
	}
	return fmt.Sprintf("steps[%d].%s", i, field)
}

// stepOfPath extracts the step position from a dotted path (steps[2].model)
// or a JSON pointer (/steps/2/model).
func stepOfPath(path string) *int {
	var digits string
	switch {
	case strings.HasPrefix(path, "steps["):
		rest := path[len("steps["):]
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil
		}
		digits = rest[:end]
	case strings.HasPrefix(path, "/steps/"):
		rest := path[len("/steps/"):]
		if end := strings.IndexByte(rest, '/'); end >= 0 {
			rest = rest[:end]
		}
		digits = rest
	default:
		return nil
	}
	i, err := strconv.Atoi(digits)
	if err != nil || i < 0 {
		return nil
	}
	return &i
}

func newIssue(path, code, message string, severity ValidationSeverity) ValidationIssue {
	return ValidationIssue{
		Path: path, Step: stepOfPath(path), Code: code, Message: message, Severity: severity,
	}
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, newIssue(path, code, message, SeverityError))
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(path, code, message, SeverityWarning))
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// FailingSteps lists, ascending and without repeats, the steps that carry
// at least one error.
func (r *ValidationResult) FailingSteps() []int {
	seen := map[int]bool{}
	var steps []int
	for _, e := range r.Errors {
		if e.Step == nil || seen[*e.Step] {
			continue
		}
		seen[*e.Step] = true
		steps = append(steps, *e.Step)
	}
	sort.Ints(steps)
	return steps
}

// ToError converts the result to a FlowError if invalid, nil if valid.
// A single error keeps its message and, when it concerns a step, becomes
// step-scoped.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if steps := r.FailingSteps(); len(steps) > 0 {
		details["failing_steps"] = steps
	}

	if len(r.Errors) == 1 {
		err := NewError(ErrCodeValidation, r.Errors[0].Message).WithDetails(details)
		if s := r.Errors[0].Step; s != nil {
			err = err.WithStep(*s)
		}
		return err
	}
	return NewErrorf(ErrCodeValidation, "validation failed with %d errors", len(r.Errors)).
		WithDetails(details)
}
