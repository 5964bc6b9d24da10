package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/SixtySecondsApp/cadence/internal/engine"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/internal/validation"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// SequenceRunner is the execution surface the MCP tools drive.
type SequenceRunner interface {
	Execute(ctx context.Context, seq schema.SequenceDefinition, opts engine.ExecuteOptions) (*engine.ExecutionResult, error)
	ResumeAfterHITL(ctx context.Context, requestID string, response any, responseContext map[string]any) (*engine.ExecutionResult, error)
	Cancel(ctx context.Context, executionID string) error
}

// CadenceServerDeps holds the dependencies for creating a CadenceServer.
type CadenceServerDeps struct {
	Runner    SequenceRunner
	Store     store.Store
	Validator validation.Validator
	Logger    *slog.Logger
}

// CadenceServer wraps an MCP server with cadence-specific tool handlers.
type CadenceServer struct {
	runner    SequenceRunner
	store     store.Store
	validator validation.Validator
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewCadenceServer creates a CadenceServer with all 6 tools registered.
func NewCadenceServer(deps CadenceServerDeps) *CadenceServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CadenceServer{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"cadence",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Cadence is a CRM sales-sequence execution engine. Use cadence.execute to run a sequence, cadence.status to check an execution, cadence.respond to answer a pending approval request, cadence.cancel to abort an execution, cadence.define to register a reusable sequence, and cadence.query to list sequences/executions/approvals/events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CadenceServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CadenceServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry mapping organizations to connected sessions.
func (s *CadenceServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *CadenceServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("cadence.execute",
		mcp.WithDescription("Execute a sales sequence, either a registered one by key or an inline definition"),
		mcp.WithString("sequence_key", mcp.Description("Key of a registered sequence to execute")),
		mcp.WithObject("definition", mcp.Description("Inline sequence definition (takes precedence over sequence_key)")),
		mcp.WithObject("trigger_context", mcp.Description("Trigger payload exposed to steps as the 'trigger' namespace")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Organization scope for the execution")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User initiating the execution")),
		mcp.WithBoolean("is_simulation", mcp.Description("Run in simulation mode with mock outputs (default: true)")),
		mcp.WithBoolean("disable_hitl_skip_in_simulation", mcp.Description("Force approval gates to fire even in simulation")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cadence.status",
		mcp.WithDescription("Get the current state of a sequence execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("cadence.respond",
		mcp.WithDescription("Answer a pending approval request and resume the parked execution"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the pending approval request")),
		mcp.WithString("response", mcp.Required(), mcp.Description("The chosen response, e.g. approve or reject")),
		mcp.WithObject("response_context", mcp.Description("Extra fields merged into the execution context, e.g. an edited subject line")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("cadence.cancel",
		mcp.WithDescription("Cancel a running or parked sequence execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("cadence.define",
		mcp.WithDescription("Register a reusable sequence definition under its sequence_key"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Sequence definition object with sequence_key and sequence_steps")),
		mcp.WithString("name", mcp.Description("Display name (defaults to the definition's name)")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the sequence may be executed (default: true)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("cadence.query",
		mcp.WithDescription("Query sequences, executions, approval requests, or execution events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("sequences", "executions", "approvals", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, organization_id, sequence_key, execution_id, event_type, since, limit)")),
	)
}
