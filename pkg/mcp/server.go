package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/runstate"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Definitions creates and reads workflow definitions.
type Definitions interface {
	Define(ctx context.Context, raw []byte) (*schema.WorkflowDefinition, []schema.ValidationIssue, error)
	Get(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
}

// Runs starts workflow runs.
type Runs interface {
	Execute(ctx context.Context, workflowID, input string) (string, error)
}

// RunStates reads run state and its change stream.
type RunStates interface {
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	History(ctx context.Context, q runstate.HistoryQuery) ([]runstate.Summary, error)
	Subscribe(ctx context.Context, runID string, since int64) (<-chan runstate.Update, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Definitions Definitions
	Runs        Runs
	RunStates   RunStates
	Logger      *slog.Logger
}

// Server wraps an MCP server with the agentflow tool handlers.
type Server struct {
	defs      Definitions
	runs      Runs
	states    RunStates
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *RunNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all 4 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := logging.OrDefault(deps.Logger)

	s := &Server{
		defs:     deps.Definitions,
		runs:     deps.Runs,
		states:   deps.RunStates,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"agentflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("agentflow runs multi-step LLM workflows. Use agentflow.define to store a workflow definition, agentflow.run to start a run (you are notified when it finishes), agentflow.status to read a run, and agentflow.history to list recent runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.sessions, deps.RunStates, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport, served at /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Close stops pending run notifications.
func (s *Server) Close() {
	s.notifier.Close()
}

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("agentflow.define",
		mcp.WithDescription("Store a workflow definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithArray("steps", mcp.Required(), mcp.Description(
			"Ordered steps: {order, prompt_template, model, retry_limit, completion_criteria: {type: contains|json_valid|llm_judge, value|instruction}}. "+
				"The token {{context}} in a prompt is replaced by the previous step's output (the run input for step 0).")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("agentflow.run",
		mcp.WithDescription("Start a run of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithString("input", mcp.Description("Initial context for the first step")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("agentflow.status",
		mcp.WithDescription("Get a run with its step results"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("agentflow.history",
		mcp.WithDescription("List recent runs, most recent first"),
		mcp.WithString("status", mcp.Description("Comma separated run statuses: pending, running, completed, failed")),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this workflow")),
		mcp.WithString("filter", mcp.Description(`CEL predicate over "run", e.g. run.steps_completed < run.step_count`)),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 50)")),
	)
}
