package runstate

import (
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// ValidRunTransitions defines allowed run state transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {schema.RunStatusRunning},
	schema.RunStatusRunning: {schema.RunStatusCompleted, schema.RunStatusFailed},
}

// ValidStepTransitions defines allowed step state transitions.
// running -> running is a retry re-entry.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusRunning: {schema.StepStatusRunning, schema.StepStatusCompleted, schema.StepStatusFailed},
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func invalidTransition(kind, runID string, from, to string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid %s transition: %s -> %s", kind, from, to).
		WithDetails(map[string]any{"run_id": runID, "from": from, "to": to})
}

// checkRunTransition enforces the run state machine plus the step-outcome
// invariants tied to the terminal states.
func checkRunTransition(run *store.Run, to schema.RunStatus) error {
	if !isValidRunTransition(run.Status, to) {
		return invalidTransition("run", run.ID, string(run.Status), string(to))
	}
	switch to {
	case schema.RunStatusCompleted:
		for _, sr := range run.StepsResults {
			if sr.Status != schema.StepStatusCompleted {
				return schema.NewErrorf(schema.ErrCodeInvalidTransition,
					"run %s cannot complete: step %d is %s", run.ID, sr.Index, sr.Status)
			}
		}
	case schema.RunStatusFailed:
		for _, sr := range run.StepsResults {
			if sr.Status == schema.StepStatusFailed {
				return nil
			}
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s cannot fail without a failed step", run.ID)
	}
	return nil
}

// checkStepTransition enforces the step state machine, strict step order,
// and the single-running-step rule.
func checkStepTransition(run *store.Run, next store.StepResult) error {
	if run.Status != schema.RunStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s; step results can only change while running", run.ID, run.Status)
	}
	if next.Index < 0 || next.Index >= len(run.StepsResults) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step index %d out of range for run %s with %d steps", next.Index, run.ID, len(run.StepsResults))
	}

	cur := run.StepsResults[next.Index]
	if !isValidStepTransition(cur.Status, next.Status) {
		return invalidTransition("step", run.ID, string(cur.Status), string(next.Status)).WithStep(next.Index)
	}

	for i, sr := range run.StepsResults {
		switch {
		case i < next.Index && sr.Status != schema.StepStatusCompleted:
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"step %d cannot advance before step %d completes", next.Index, i).WithStep(next.Index)
		case i != next.Index && sr.Status == schema.StepStatusRunning:
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"step %d is already running", i).WithStep(next.Index)
		}
	}
	return nil
}

func stepEventType(sr store.StepResult) string {
	switch sr.Status {
	case schema.StepStatusRunning:
		if sr.RetriesUsed > 0 {
			return schema.EventStepRetrying
		}
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// isTerminalEvent reports whether an event closes the run's change stream.
func isTerminalEvent(eventType string) bool {
	return eventType == schema.EventRunCompleted || eventType == schema.EventRunFailed
}
