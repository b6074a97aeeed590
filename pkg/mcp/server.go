package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
)

// Replayer rebuilds per-step progress of a run from its event log.
// Satisfied by *store.EventLog.
type Replayer interface {
	ReplayEvents(ctx context.Context, runID string) (map[string]*store.StepProgress, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Loader   *engine.Loader
	Handlers engine.HandlerSource
	Store    store.Store // nil disables persistence and the report/reasoning/runs tools
	Replayer Replayer    // nil disables in-flight reports

	// Hub carries the live events of runs. When set, leadflow.run streams
	// step outcomes to the calling client as they happen. Executor.Events
	// must publish to the same hub.
	Hub streaming.EventHub

	// Executor is the template every run's executor is built from.
	Executor engine.ExecutorConfig

	// GraphPath is run when leadflow.run names no graph.
	GraphPath string

	Logger *slog.Logger
}

// Server exposes leadflow runs, validation and run history as MCP tools.
type Server struct {
	loader    *engine.Loader
	handlers  engine.HandlerSource
	store     store.Store
	replayer  Replayer
	hub       streaming.EventHub
	execCfg   engine.ExecutorConfig
	graphPath string
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		loader:    deps.Loader,
		handlers:  deps.Handlers,
		store:     deps.Store,
		replayer:  deps.Replayer,
		hub:       deps.Hub,
		execCfg:   deps.Executor,
		graphPath: deps.GraphPath,
		logger:    logging.OrDiscard(deps.Logger),
		sessions:  NewSessionRegistry(),
	}
	if s.execCfg.Logger == nil {
		s.execCfg.Logger = s.logger
	}

	mcpSrv := server.NewMCPServer(
		"leadflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("leadflow runs B2B outreach pipelines declared as step graphs. Use leadflow.validate to check a graph document, leadflow.run to execute one, leadflow.report for a run's report or live progress, leadflow.reasoning for the per-step reasoning log, and leadflow.runs to list past runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: reportTool(), Handler: s.handleReport},
		{Tool: reasoningTool(), Handler: s.handleReasoning},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("leadflow.run",
		mcp.WithDescription("Execute a pipeline graph and return its execution report"),
		mcp.WithObject("graph", mcp.Description("Inline graph definition (workflow_name, inputs, config, steps)")),
		mcp.WithString("document", mcp.Description("Graph document as JSON or YAML text")),
		mcp.WithString("path", mcp.Description("Path to a graph document on the server (default: the configured graph)")),
		mcp.WithObject("inputs", mcp.Description("Overrides for the graph's shared inputs, this run only")),
		mcp.WithString("client_id", mcp.Description("Caller ID; run completion is pushed to this client's session")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("leadflow.validate",
		mcp.WithDescription("Validate a graph document and list every problem found"),
		mcp.WithObject("graph", mcp.Description("Inline graph definition")),
		mcp.WithString("document", mcp.Description("Graph document as JSON or YAML text")),
		mcp.WithString("format", mcp.Enum("json", "yaml"), mcp.Description("Format of document (default: detected)")),
		mcp.WithString("diagram", mcp.Enum("mermaid", "ascii"), mcp.Description("Also draw a valid graph in this format")),
	)
}

func reportTool() mcp.Tool {
	return mcp.NewTool("leadflow.report",
		mcp.WithDescription("Get a run's execution report, or its live progress if it has not finished"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func reasoningTool() mcp.Tool {
	return mcp.NewTool("leadflow.reasoning",
		mcp.WithDescription("Get the reasoning records of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("step_id", mcp.Description("Only records of this step")),
		mcp.WithNumber("limit", mcp.Description("Maximum records (default: 100)")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("leadflow.runs",
		mcp.WithDescription("List past runs, newest first"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_name, status, since, limit, offset)")),
	)
}
