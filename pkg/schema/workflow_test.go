package schema

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepDefinition_DefaultRetryLimit(t *testing.T) {
	var s StepDefinition
	err := json.Unmarshal([]byte(`{"order":0,"prompt_template":"hi","model":"m","completion_criteria":{"type":"json_valid"}}`), &s)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryLimit, s.RetryLimit)
	assert.Equal(t, JSONValid{}, s.Criterion)
}

func TestStepDefinition_ExplicitZeroRetryLimit(t *testing.T) {
	var s StepDefinition
	err := json.Unmarshal([]byte(`{"order":1,"prompt_template":"x","model":"m","retry_limit":0,"completion_criteria":{"type":"contains","value":"ok"}}`), &s)
	require.NoError(t, err)
	assert.Equal(t, 0, s.RetryLimit)
	assert.Equal(t, Contains{Value: "ok"}, s.Criterion)
}

func TestStepDefinition_JudgeFallsBackToValue(t *testing.T) {
	var s StepDefinition
	err := json.Unmarshal([]byte(`{"order":0,"prompt_template":"x","model":"m","completion_criteria":{"type":"llm_judge","value":"is it polite?"}}`), &s)
	require.NoError(t, err)
	assert.Equal(t, LLMJudge{Instruction: "is it polite?"}, s.Criterion)
}

func TestStepDefinition_UnknownCriterion(t *testing.T) {
	var s StepDefinition
	err := json.Unmarshal([]byte(`{"order":0,"prompt_template":"x","model":"m","completion_criteria":{"type":"regex"}}`), &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regex")
}

func TestStepDefinition_MarshalCarriesCriterion(t *testing.T) {
	s := StepDefinition{Order: 2, PromptTemplate: "p", Model: "m", RetryLimit: 1, Criterion: LLMJudge{Instruction: "short?"}}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back StepDefinition
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
	assert.Contains(t, string(data), `"completion_criteria":{"type":"llm_judge"`)
}

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeInvocation, "boom").WithStep(2)
	assert.Equal(t, "[INVOCATION_ERROR] step 2: boom", err.Error())
	assert.Equal(t, "[NOT_FOUND] missing", NewError(ErrCodeNotFound, "missing").Error())
}

func TestErrorCode_Wrapped(t *testing.T) {
	inner := NewError(ErrCodeNotFound, "gone")
	wrapped := NewError(ErrCodeStore, "load").WithCause(inner)
	assert.Equal(t, ErrCodeStore, ErrorCode(wrapped))
	assert.True(t, IsCode(inner, ErrCodeNotFound))
	assert.Equal(t, "", ErrorCode(assert.AnError))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "gone", ErrorMessage(fmt.Errorf("ctx: %w", NewError(ErrCodeNotFound, "gone"))))
	assert.Equal(t, assert.AnError.Error(), ErrorMessage(assert.AnError))
	assert.Equal(t, "", ErrorMessage(nil))
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.IsTerminal())
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, StepStatusFailed.IsTerminal())
	assert.False(t, StepStatusRunning.IsTerminal())
}
