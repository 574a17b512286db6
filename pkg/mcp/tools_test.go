package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/runstate"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// --- Mock Definitions ---

type mockDefinitions struct {
	raw      []byte
	def      *schema.WorkflowDefinition
	warnings []schema.ValidationIssue
	err      error
}

func (m *mockDefinitions) Define(_ context.Context, raw []byte) (*schema.WorkflowDefinition, []schema.ValidationIssue, error) {
	m.raw = raw
	return m.def, m.warnings, m.err
}

func (m *mockDefinitions) Get(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	if m.def != nil && m.def.ID == id {
		return m.def, nil
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

// --- Mock Runs ---

type mockRuns struct {
	runID      string
	err        error
	workflowID string
	input      string
}

func (m *mockRuns) Execute(_ context.Context, workflowID, input string) (string, error) {
	m.workflowID, m.input = workflowID, input
	return m.runID, m.err
}

// --- Mock RunStates ---

type mockStates struct {
	runs    map[string]*store.Run
	history []runstate.Summary
	query   runstate.HistoryQuery
	err     error
	updates chan runstate.Update
}

func (m *mockStates) GetRun(_ context.Context, runID string) (*store.Run, error) {
	if r, ok := m.runs[runID]; ok {
		return r, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
}

func (m *mockStates) History(_ context.Context, q runstate.HistoryQuery) ([]runstate.Summary, error) {
	m.query = q
	return m.history, m.err
}

func (m *mockStates) Subscribe(_ context.Context, runID string, _ int64) (<-chan runstate.Update, error) {
	if m.updates == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return m.updates, nil
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	defs := &mockDefinitions{
		def: &schema.WorkflowDefinition{ID: "wf-1", Name: "digest", Steps: make([]schema.StepDefinition, 2)},
		warnings: []schema.ValidationIssue{
			{Path: "steps[1].prompt_template", Code: schema.ErrCodeValidation, Message: "no placeholder"},
		},
	}
	s := NewServer(ServerDeps{Definitions: defs})
	defer s.Close()

	steps := []any{
		map[string]any{"order": float64(0), "prompt_template": "{{context}}", "model": "kimi-k2p5",
			"completion_criteria": map[string]any{"type": "json_valid"}},
	}
	req := buildRequest("agentflow.define", map[string]any{"name": "digest", "steps": steps})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(defs.raw, &sent))
	assert.Equal(t, "digest", sent["name"])
	assert.Len(t, sent["steps"], 1)

	var out struct {
		ID       string                   `json:"id"`
		Steps    int                      `json:"steps"`
		Warnings []schema.ValidationIssue `json:"warnings"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "wf-1", out.ID)
	assert.Equal(t, 2, out.Steps)
	require.Len(t, out.Warnings, 1)
}

func TestDefineToolValidationError(t *testing.T) {
	vr := &schema.ValidationResult{}
	vr.AddError("steps[0].model", schema.ErrCodeValidation, `unknown model "gpt-9"`)
	defs := &mockDefinitions{err: vr.ToError()}
	s := NewServer(ServerDeps{Definitions: defs})
	defer s.Close()

	req := buildRequest("agentflow.define", map[string]any{"name": "x", "steps": []any{}})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "VALIDATION_ERROR")
	assert.Contains(t, text, "steps[0].model")
}

func TestDefineToolMissingParams(t *testing.T) {
	s := NewServer(ServerDeps{Definitions: &mockDefinitions{}})
	defer s.Close()

	result, err := s.handleDefine(context.Background(), buildRequest("agentflow.define", map[string]any{"steps": []any{}}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDefine(context.Background(), buildRequest("agentflow.define", map[string]any{"name": "x", "steps": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool(t *testing.T) {
	runs := &mockRuns{runID: "run-123"}
	s := NewServer(ServerDeps{Runs: runs})
	defer s.Close()

	req := buildRequest("agentflow.run", map[string]any{"workflow_id": "wf-1", "input": "hello"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "wf-1", runs.workflowID)
	assert.Equal(t, "hello", runs.input)

	var out map[string]string
	unmarshalResult(t, result, &out)
	assert.Equal(t, "run-123", out["run_id"])
	assert.Equal(t, "pending", out["status"])

	// No MCP session in the context, so nobody is waiting on the run.
	_, waiting := s.sessions.SessionFor("run-123")
	assert.False(t, waiting)
}

func TestRunToolErrors(t *testing.T) {
	s := NewServer(ServerDeps{Runs: &mockRuns{err: schema.NewError(schema.ErrCodeNotFound, `workflow "nope" not found`)}})
	defer s.Close()

	result, err := s.handleRun(context.Background(), buildRequest("agentflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("agentflow.run", map[string]any{"workflow_id": "nope"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestStatusTool(t *testing.T) {
	states := &mockStates{runs: map[string]*store.Run{
		"run-1": {ID: "run-1", WorkflowName: "digest", Status: schema.RunStatusRunning},
	}}
	s := NewServer(ServerDeps{RunStates: states})
	defer s.Close()

	result, err := s.handleStatus(context.Background(), buildRequest("agentflow.status", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var run store.Run
	unmarshalResult(t, result, &run)
	assert.Equal(t, "digest", run.WorkflowName)
	assert.Equal(t, schema.RunStatusRunning, run.Status)
}

func TestStatusToolErrors(t *testing.T) {
	s := NewServer(ServerDeps{RunStates: &mockStates{}})
	defer s.Close()

	result, err := s.handleStatus(context.Background(), buildRequest("agentflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("agentflow.status", map[string]any{"run_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryTool(t *testing.T) {
	states := &mockStates{history: []runstate.Summary{
		{ID: "run-2", WorkflowName: "digest", Status: schema.RunStatusFailed},
	}}
	s := NewServer(ServerDeps{RunStates: states})
	defer s.Close()

	req := buildRequest("agentflow.history", map[string]any{
		"status":      "failed, completed",
		"workflow_id": "wf-1",
		"filter":      `run.error != ""`,
		"limit":       float64(5),
	})
	result, err := s.handleHistory(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, runstate.HistoryQuery{
		WorkflowID: "wf-1",
		Statuses:   []schema.RunStatus{schema.RunStatusFailed, schema.RunStatusCompleted},
		Filter:     `run.error != ""`,
		Limit:      5,
	}, states.query)

	var out struct {
		Runs []runstate.Summary `json:"runs"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Runs, 1)
	assert.Equal(t, "run-2", out.Runs[0].ID)
}

func TestHistoryToolEmptyAndError(t *testing.T) {
	states := &mockStates{}
	s := NewServer(ServerDeps{RunStates: states})
	defer s.Close()

	result, err := s.handleHistory(context.Background(), buildRequest("agentflow.history", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"runs":[]}`, extractText(t, result))

	states.err = schema.NewError(schema.ErrCodeValidation, "CEL compile error")
	result, err = s.handleHistory(context.Background(), buildRequest("agentflow.history", map[string]any{"filter": "run."}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
