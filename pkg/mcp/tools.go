package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/runstate"
	"github.com/rendis/agentflow/pkg/schema"
)

// handleDefine validates and stores a workflow definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	steps, ok := req.GetArguments()["steps"].([]any)
	if !ok {
		return mcp.NewToolResultError("steps must be an array"), nil
	}

	raw, err := json.Marshal(map[string]any{"name": name, "steps": steps})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	def, warnings, err := s.defs.Define(ctx, raw)
	if err != nil {
		return toolError("define failed", err), nil
	}

	return marshalResult(map[string]any{
		"id":       def.ID,
		"name":     def.Name,
		"steps":    len(def.Steps),
		"warnings": warnings,
	})
}

// handleRun starts a run and subscribes the calling session to its outcome.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := req.GetString("input", "")

	runID, err := s.runs.Execute(ctx, workflowID, input)
	if err != nil {
		return toolError("run failed to start", err), nil
	}

	s.captureSession(ctx, runID)

	return marshalResult(map[string]any{
		"run_id":      runID,
		"workflow_id": workflowID,
		"status":      schema.RunStatusPending,
	})
}

// handleStatus returns the current snapshot of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.states.GetRun(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(run)
}

// handleHistory lists run summaries.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := runstate.HistoryQuery{
		WorkflowID: req.GetString("workflow_id", ""),
		Filter:     req.GetString("filter", ""),
		Limit:      req.GetInt("limit", 0),
	}
	for _, part := range strings.Split(req.GetString("status", ""), ",") {
		if st := strings.TrimSpace(part); st != "" {
			q.Statuses = append(q.Statuses, schema.RunStatus(st))
		}
	}

	runs, err := s.states.History(ctx, q)
	if err != nil {
		return toolError("history query failed", err), nil
	}
	if runs == nil {
		runs = []runstate.Summary{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

// --- Internal helpers ---

// captureSession remembers which session started runID so it can be told
// when the run finishes.
func (s *Server) captureSession(ctx context.Context, runID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Register(runID, session.SessionID())
	s.notifier.Watch(runID)
}

// toolError renders err as a tool error, appending validation issues when
// the error carries them.
func toolError(prefix string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %s", prefix, schema.ErrorMessage(err))
	if code := schema.ErrorCode(err); code != "" {
		msg = fmt.Sprintf("%s: [%s] %s", prefix, code, schema.ErrorMessage(err))
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Details != nil {
		if issues, ok := fe.Details["errors"]; ok {
			if data, jerr := json.Marshal(issues); jerr == nil {
				msg += "\nissues: " + string(data)
			}
		}
	}
	return mcp.NewToolResultError(msg)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
