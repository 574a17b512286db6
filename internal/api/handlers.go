package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/agentflow/internal/runstate"
	"github.com/rendis/agentflow/pkg/schema"
)

// maxDefinitionBytes bounds a POST /workflows body.
const maxDefinitionBytes = 1 << 20

type defineResponse struct {
	*schema.WorkflowDefinition
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// createWorkflow validates and stores a definition.
// (POST /workflows)
func (s *Server) createWorkflow(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDefinitionBytes+1))
	if err != nil {
		return badRequest("read body: %s", err.Error())
	}
	if len(raw) > maxDefinitionBytes {
		return badRequest("definition exceeds %d bytes", maxDefinitionBytes)
	}

	def, warnings, err := s.deps.Definitions.Define(c.Request().Context(), raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, defineResponse{WorkflowDefinition: def, Warnings: warnings})
}

// (GET /workflows)
func (s *Server) listWorkflows(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	defs, err := s.deps.Definitions.List(c.Request().Context(), c.QueryParam("name"), limit)
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// (GET /workflows/:id)
func (s *Server) getWorkflow(c echo.Context) error {
	def, err := s.deps.Definitions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

type runRequest struct {
	Input string `json:"input"`
}

// startRun starts a run of a stored workflow and returns at once.
// (POST /run/:id)
func (s *Server) startRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(err)
	}

	runID, err := s.deps.Runs.Execute(c.Request().Context(), c.Param("id"), req.Input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

// (GET /run/:id)
func (s *Server) getRun(c echo.Context) error {
	run, err := s.deps.RunStates.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelRun requests cancellation; the run fails before its next step.
// (POST /run/:id/cancel)
func (s *Server) cancelRun(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(err)
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "cancelled by user"
	}

	run, err := s.deps.Runs.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// history lists recent runs, most recent first. Query parameters:
// status (repeatable or comma separated), workflow_id, filter (CEL), limit.
// (GET /history)
func (s *Server) history(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	statuses, err := parseStatuses(c.QueryParams()["status"])
	if err != nil {
		return err
	}

	runs, err := s.deps.RunStates.History(c.Request().Context(), runstate.HistoryQuery{
		WorkflowID: c.QueryParam("workflow_id"),
		Statuses:   statuses,
		Filter:     c.QueryParam("filter"),
		Limit:      limit,
	})
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []runstate.Summary{}
	}
	return c.JSON(http.StatusOK, runs)
}

func parseStatuses(values []string) ([]schema.RunStatus, error) {
	var out []schema.RunStatus
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			st := schema.RunStatus(strings.TrimSpace(part))
			switch st {
			case "":
				continue
			case schema.RunStatusPending, schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed:
				out = append(out, st)
			default:
				return nil, badRequest("unknown run status %q", st)
			}
		}
	}
	return out, nil
}

func queryInt(c echo.Context, key string, def int) (int, error) {
	v := c.QueryParam(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}
