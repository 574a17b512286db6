package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/agentflow/internal/store"
)

type scheduleRequest struct {
	WorkflowID     string `json:"workflow_id"`
	CronExpression string `json:"cron_expression"`
	Input          string `json:"input"`
	Enabled        *bool  `json:"enabled"`
}

// (POST /schedules)
func (s *Server) createSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(err)
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		return badRequest("workflow_id is required")
	}
	if strings.TrimSpace(req.CronExpression) == "" {
		return badRequest("cron_expression is required")
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sched, err := s.deps.Schedules.Create(c.Request().Context(), req.WorkflowID, req.CronExpression, req.Input, enabled)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sched)
}

// (GET /schedules)
func (s *Server) listSchedules(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	scheds, err := s.deps.Schedules.List(c.Request().Context(), store.ScheduleFilter{
		WorkflowID: c.QueryParam("workflow_id"),
		Limit:      limit,
	})
	if err != nil {
		return err
	}
	if scheds == nil {
		scheds = []*store.Schedule{}
	}
	return c.JSON(http.StatusOK, scheds)
}

// (DELETE /schedules/:id)
func (s *Server) deleteSchedule(c echo.Context) error {
	if err := s.deps.Schedules.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
