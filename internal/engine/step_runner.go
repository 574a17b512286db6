package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/model"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// RunStates is the run state store as seen by the engine.
type RunStates interface {
	CreateRun(ctx context.Context, wf *schema.WorkflowDefinition, input string) (*store.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, to schema.RunStatus, errMsg string) (*store.Run, error)
	UpdateStepResult(ctx context.Context, runID string, result store.StepResult) (*store.Run, error)
	RequestCancel(ctx context.Context, runID, reason string) (*store.Run, error)
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
}

// StepRunner drives one step to a terminal result: render, invoke,
// evaluate, retry within the step's budget.
type StepRunner struct {
	states    RunStates
	invoker   model.Invoker
	evaluator *Evaluator
	retry     RetryPolicy
	logger    *slog.Logger
}

// NewStepRunner creates a step runner.
func NewStepRunner(states RunStates, invoker model.Invoker, evaluator *Evaluator, retry RetryPolicy, logger *slog.Logger) *StepRunner {
	return &StepRunner{
		states:    states,
		invoker:   invoker,
		evaluator: evaluator,
		retry:     retry,
		logger:    logging.OrDefault(logger),
	}
}

// Run executes step index of runID with input as its context and returns
// the terminal (completed or failed) result for the caller to persist.
// Every attempt is recorded as running first. A returned error means the
// run cannot continue: the store rejected a write or ctx ended.
func (r *StepRunner) Run(ctx context.Context, runID string, index int, step schema.StepDefinition, input string) (store.StepResult, error) {
	prompt := Render(step.PromptTemplate, input)

	for attempt := 0; ; {
		res := store.StepResult{
			Index:        index,
			Status:       schema.StepStatusRunning,
			InputContext: prompt,
			RetriesUsed:  attempt,
		}
		if _, err := r.states.UpdateStepResult(ctx, runID, res); err != nil {
			return res, err
		}

		output, reason, ok := r.attempt(ctx, step, prompt)
		if ok {
			res.Status = schema.StepStatusCompleted
			res.Output = output
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, schema.NewError(schema.ErrCodeCancelled, "run interrupted").WithStep(index).WithCause(err)
		}

		attempt++
		if attempt > step.RetryLimit {
			res.Status = schema.StepStatusFailed
			res.Error = reason
			res.RetriesUsed = attempt - 1
			r.logger.InfoContext(ctx, "step failed",
				slog.String("reason", reason), slog.Int("retries_used", res.RetriesUsed))
			return res, nil
		}

		r.logger.InfoContext(ctx, "step attempt failed, retrying",
			slog.String("reason", reason),
			slog.Int("attempt", attempt),
			slog.Int("retry_limit", step.RetryLimit),
		)
		if err := WaitForBackoff(ctx, ComputeBackoff(r.retry, attempt)); err != nil {
			return res, schema.NewError(schema.ErrCodeCancelled, "run interrupted").WithStep(index).WithCause(err)
		}
	}
}

// attempt performs one invoke + evaluate round. When ok is false, reason
// is never empty.
func (r *StepRunner) attempt(ctx context.Context, step schema.StepDefinition, prompt string) (output, reason string, ok bool) {
	output, err := r.invoker.Invoke(ctx, step.Model, prompt)
	if err != nil {
		return "", failureMessage(err, reasonInvocationFailed), false
	}

	verdict, err := r.evaluator.Evaluate(ctx, step.Criterion, output)
	if err != nil {
		return "", failureMessage(err, reasonJudgeFailed), false
	}
	if !verdict.Accepted {
		if verdict.Reason == "" {
			return "", reasonCriterionRejected, false
		}
		return "", verdict.Reason, false
	}
	return output, "", true
}

const (
	reasonInvocationFailed  = "model invocation failed"
	reasonJudgeFailed       = "judge invocation failed"
	reasonCriterionRejected = "criterion rejected output"
)

func failureMessage(err error, fallback string) string {
	if msg := strings.TrimSpace(schema.ErrorMessage(err)); msg != "" {
		return msg
	}
	return fallback
}
