package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/agentflow/internal/diagram"
	"github.com/rendis/agentflow/internal/store"
)

// workflowDiagram renders the step pipeline, optionally overlaid with the
// step results of run_id. Query parameters: format (mermaid|ascii), run_id.
// (GET /workflows/:id/diagram)
func (s *Server) workflowDiagram(c echo.Context) error {
	format := c.QueryParam("format")
	if format == "" {
		format = "mermaid"
	}
	if format != "mermaid" && format != "ascii" {
		return badRequest("unknown diagram format %q", format)
	}

	ctx := c.Request().Context()
	def, err := s.deps.Definitions.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	var run *store.Run
	if runID := c.QueryParam("run_id"); runID != "" {
		if run, err = s.deps.RunStates.GetRun(ctx, runID); err != nil {
			return err
		}
	}

	model, err := diagram.Build(def, run)
	if err != nil {
		return err
	}
	if format == "ascii" {
		return c.String(http.StatusOK, diagram.RenderASCII(model))
	}
	return c.String(http.StatusOK, diagram.RenderMermaid(model))
}
