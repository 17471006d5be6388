// Package mcp exposes the admin surface of the workflow engine over the
// Model Context Protocol: manual run-now, run inspection, and workflow
// validation tools, plus a notifier that forwards run events to connected
// clients.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/internal/validation"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Runner executes one workflow for one trigger payload. Satisfied by
// *engine.Engine.
type Runner interface {
	Execute(ctx context.Context, workflowID string, trigger schema.TriggerPayload) (*store.Run, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner    Runner
	Store     store.Store
	Validator *validation.WorkflowValidator
	Logger    *slog.Logger
}

// Server wraps an MCP server with the engine's admin tool handlers.
type Server struct {
	runner    Runner
	store     store.Store
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 5 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowtalk",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("FlowTalk is a messaging-automation workflow engine. Use flowtalk.run to start a workflow now, flowtalk.status to inspect a run and its steps, flowtalk.list to list runs, flowtalk.describe to get a workflow summary with a mermaid diagram, and flowtalk.validate to check a workflow definition."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for the notifier, testing, or
// custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: describeTool(), Handler: s.handleDescribe},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flowtalk.run",
		mcp.WithDescription("Execute a workflow now with a manual trigger payload"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("trigger", mcp.Description("Trigger payload key/value pairs (contact_id, phone, message, ...)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowtalk.status",
		mcp.WithDescription("Get a run's status and its recorded steps"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("flowtalk.list",
		mcp.WithDescription("List runs, newest first"),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow ID")),
		mcp.WithString("tenant_id", mcp.Description("Filter by tenant ID")),
		mcp.WithString("status", mcp.Description("Filter by run status"),
			mcp.Enum("running", "completed", "failed"),
		),
		mcp.WithString("since", mcp.Description("Only runs started at or after this RFC 3339 timestamp")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 50)")),
	)
}

func describeTool() mcp.Tool {
	return mcp.NewTool("flowtalk.describe",
		mcp.WithDescription("Describe a workflow: node and edge summary plus a mermaid flowchart. With run_id, overlays that run's step states"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to describe")),
		mcp.WithString("run_id", mcp.Description("Overlay this run's step states on the diagram")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flowtalk.validate",
		mcp.WithDescription("Validate a workflow definition without saving it"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition object (id, nodes, edges)")),
	)
}
