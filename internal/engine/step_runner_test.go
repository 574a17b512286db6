package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/model/modeltest"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// recordingStates captures step writes without persisting anything.
type recordingStates struct {
	RunStates
	writes []store.StepResult
	err    error
}

func (r *recordingStates) UpdateStepResult(_ context.Context, _ string, res store.StepResult) (*store.Run, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.writes = append(r.writes, res)
	return &store.Run{}, nil
}

func TestStepRunner_RecordsEveryAttempt(t *testing.T) {
	states := &recordingStates{}
	inv := modeltest.New().Text("m", "a", "b", "ok")
	runner := NewStepRunner(states, inv, NewEvaluator(inv, judgeModel), RetryPolicy{}, nil)

	res, err := runner.Run(context.Background(), "run", 0, step("m", "say {{context}}", 3, schema.Contains{Value: "ok"}), "hi")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, res.Status)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 2, res.RetriesUsed)

	require.Len(t, states.writes, 3)
	for i, w := range states.writes {
		assert.Equal(t, schema.StepStatusRunning, w.Status)
		assert.Equal(t, i, w.RetriesUsed)
		assert.Equal(t, "say hi", w.InputContext)
	}
	assert.Equal(t, []string{"say hi", "say hi", "say hi"}, inv.CallsFor("m"), "retries re-send the same prompt")
}

func TestStepRunner_RetryAccounting(t *testing.T) {
	for limit := 0; limit <= 3; limit++ {
		inv := modeltest.New()
		inv.Fallback = func(model, prompt string) (string, error) { return "nope", nil }
		runner := NewStepRunner(&recordingStates{}, inv, NewEvaluator(inv, judgeModel), RetryPolicy{}, nil)

		res, err := runner.Run(context.Background(), "run", 0, step("m", "p", limit, schema.Contains{Value: "ok"}), "")
		require.NoError(t, err)
		assert.Equal(t, schema.StepStatusFailed, res.Status)
		assert.Equal(t, limit, res.RetriesUsed)
		assert.LessOrEqual(t, res.RetriesUsed, limit)
		assert.Len(t, inv.Calls(), limit+1)
	}
}

func TestStepRunner_JudgeErrorIsRetried(t *testing.T) {
	inv := modeltest.New().Text("m", "draft", "draft").Fail(judgeModel, "judge unreachable").Text(judgeModel, "yes")
	runner := NewStepRunner(&recordingStates{}, inv, NewEvaluator(inv, judgeModel), RetryPolicy{}, nil)

	res, err := runner.Run(context.Background(), "run", 0, step("m", "p", 1, schema.LLMJudge{Instruction: "ok?"}), "")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, res.Status)
	assert.Equal(t, 1, res.RetriesUsed)
}

func TestStepRunner_JudgeErrorMessageRecorded(t *testing.T) {
	inv := modeltest.New().Text("m", "draft").Fail(judgeModel, "judge unreachable")
	runner := NewStepRunner(&recordingStates{}, inv, NewEvaluator(inv, judgeModel), RetryPolicy{}, nil)

	res, err := runner.Run(context.Background(), "run", 0, step("m", "p", 0, schema.LLMJudge{Instruction: "ok?"}), "")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, res.Status)
	assert.Equal(t, "judge unreachable", res.Error)
}

func TestStepRunner_StoreErrorIsFatal(t *testing.T) {
	inv := modeltest.New()
	runner := NewStepRunner(&recordingStates{err: errors.New("database is locked")}, inv, NewEvaluator(inv, judgeModel), RetryPolicy{}, nil)

	_, err := runner.Run(context.Background(), "run", 0, step("m", "p", 3, schema.Contains{}), "")
	require.Error(t, err)
	assert.Empty(t, inv.Calls(), "nothing is invoked once the running write fails")
}

func TestStepRunner_BackoffBetweenAttempts(t *testing.T) {
	inv := modeltest.New().Text("m", "x", "x", "ok")
	policy := RetryPolicy{Backoff: BackoffConstant, Delay: 20 * time.Millisecond}
	runner := NewStepRunner(&recordingStates{}, inv, NewEvaluator(inv, judgeModel), policy, nil)

	start := time.Now()
	res, err := runner.Run(context.Background(), "run", 0, step("m", "p", 2, schema.Contains{Value: "ok"}), "")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestStepRunner_CancelledDuringBackoff(t *testing.T) {
	inv := modeltest.New()
	inv.Fallback = func(model, prompt string) (string, error) { return "x", nil }
	policy := RetryPolicy{Backoff: BackoffConstant, Delay: time.Hour}
	runner := NewStepRunner(&recordingStates{}, inv, NewEvaluator(inv, judgeModel), policy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, "run", 0, step("m", "p", 5, schema.Contains{Value: "ok"}), "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
}

func TestStepRunner_BlankInvocationErrorFailsAttempt(t *testing.T) {
	inv := modeltest.New().Script("m", modeltest.Reply{Err: errors.New("")})
	runner := NewStepRunner(&recordingStates{}, inv, NewEvaluator(inv, judgeModel), RetryPolicy{}, nil)

	res, err := runner.Run(context.Background(), "run", 0, step("m", "p", 0, schema.Contains{Value: "ok"}), "")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, res.Status)
	assert.Equal(t, 0, res.RetriesUsed)
	assert.Empty(t, res.Output)
	assert.Equal(t, reasonInvocationFailed, res.Error)
}

func TestStepRunner_BlankJudgeErrorFailsAttempt(t *testing.T) {
	inv := modeltest.New().Text("m", "draft").Script(judgeModel, modeltest.Reply{Err: errors.New("  ")})
	runner := NewStepRunner(&recordingStates{}, inv, NewEvaluator(inv, judgeModel), RetryPolicy{}, nil)

	res, err := runner.Run(context.Background(), "run", 0, step("m", "p", 0, schema.LLMJudge{Instruction: "ok?"}), "")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, res.Status)
	assert.Equal(t, reasonJudgeFailed, res.Error)
}
