// Package api serves the agentflow HTTP interface.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/runstate"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Definitions creates and reads workflow definitions.
type Definitions interface {
	Define(ctx context.Context, raw []byte) (*schema.WorkflowDefinition, []schema.ValidationIssue, error)
	Get(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	List(ctx context.Context, name string, limit int) ([]*schema.WorkflowDefinition, error)
}

// Runs starts and controls workflow runs.
type Runs interface {
	Execute(ctx context.Context, workflowID, input string) (string, error)
	Cancel(ctx context.Context, runID, reason string) (*store.Run, error)
	Metrics() engine.PoolMetrics
}

// RunStates reads run state and its change stream.
type RunStates interface {
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	History(ctx context.Context, q runstate.HistoryQuery) ([]runstate.Summary, error)
	Subscribe(ctx context.Context, runID string, since int64) (<-chan runstate.Update, error)
}

// Schedules manages cron schedules.
type Schedules interface {
	Create(ctx context.Context, workflowID, cronExpr, input string, enabled bool) (*store.Schedule, error)
	List(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
	Delete(ctx context.Context, id string) error
}

// Deps holds the dependencies of the API server. Schedules and MCP are
// optional; their routes are only registered when set.
type Deps struct {
	Definitions Definitions
	Runs        Runs
	RunStates   RunStates
	Schedules   Schedules
	MCP         http.Handler
	Logger      *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// NewServer builds the router and registers every route.
func NewServer(deps Deps) *Server {
	deps.Logger = logging.OrDefault(deps.Logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{deps: deps, echo: e}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			deps.Logger.LogAttrs(c.Request().Context(), slog.LevelDebug, "http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.health)

	e.POST("/workflows", s.createWorkflow)
	e.GET("/workflows", s.listWorkflows)
	e.GET("/workflows/:id", s.getWorkflow)
	e.GET("/workflows/:id/diagram", s.workflowDiagram)

	// The run group shares one parameter name: POST takes a workflow id,
	// the rest take a run id.
	e.POST("/run/:id", s.startRun)
	e.GET("/run/:id", s.getRun)
	e.POST("/run/:id/cancel", s.cancelRun)
	e.GET("/run/:id/events", s.runEvents)

	e.GET("/history", s.history)

	if s.deps.Schedules != nil {
		e.POST("/schedules", s.createSchedule)
		e.GET("/schedules", s.listSchedules)
		e.DELETE("/schedules/:id", s.deleteSchedule)
	}

	if s.deps.MCP != nil {
		e.Any("/mcp", echo.WrapHandler(s.deps.MCP))
	}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   s.deps.Runs.Metrics(),
	})
}
