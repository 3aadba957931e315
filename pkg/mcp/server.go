package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/larenas/sagaflow/internal/engine"
	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

// WorkflowExecutor drives saga workflows. Satisfied by engine.Executor.
type WorkflowExecutor interface {
	Run(ctx context.Context, workflowID string) error
	Resume(ctx context.Context, workflowID string, userResponse string) error
	Cancel(ctx context.Context, workflowID string, force bool) error
	Status(ctx context.Context, workflowID string) (*engine.WorkflowStatusReport, error)
}

// PlanGenerator turns instructions into plans. Satisfied by planner.Generator.
type PlanGenerator interface {
	Generate(ctx context.Context, workflowID, sessionID, instruction string) (*schema.Plan, error)
}

// Recoverer handles workflows abandoned by a crash. Satisfied by engine.RecoveryManager.
type Recoverer interface {
	GetRecoverable(ctx context.Context, sessionID string) ([]*store.WorkflowState, error)
	Resume(ctx context.Context, workflowID string) error
	Cancel(ctx context.Context, workflowID string) error
}

// SagaServerDeps holds the dependencies for creating a SagaServer.
type SagaServerDeps struct {
	Planner  PlanGenerator
	Executor WorkflowExecutor
	Recovery Recoverer
	Store    store.Store
	Logger   *slog.Logger
}

// SagaServer wraps an MCP server with saga-specific tool handlers.
type SagaServer struct {
	planner   PlanGenerator
	executor  WorkflowExecutor
	recovery  Recoverer
	store     store.Store
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewSagaServer creates a new SagaServer with all 5 tools registered.
func NewSagaServer(deps SagaServerDeps) *SagaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &SagaServer{
		planner:  deps.Planner,
		executor: deps.Executor,
		recovery: deps.Recovery,
		store:    deps.Store,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"sagaflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Sagaflow is a saga workflow orchestration engine. Use saga.run to plan and execute a workflow from a natural-language instruction, saga.status to check progress, saga.resume to resume a paused workflow (optionally with a confirmation response), saga.cancel to cancel a workflow with compensation, and saga.query to list workflows, events, or recoverable workflows."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SagaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SagaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the session registry, for wiring a ProgressNotifier.
func (s *SagaServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *SagaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("saga.run",
		mcp.WithDescription("Plan and execute a saga workflow from an instruction"),
		mcp.WithString("instruction", mcp.Required(), mcp.Description("Natural-language instruction to decompose and execute")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session initiating the workflow")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (default: generated)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("saga.status",
		mcp.WithDescription("Get workflow execution status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("saga.resume",
		mcp.WithDescription("Resume a paused workflow, optionally answering a pending confirmation"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to resume")),
		mcp.WithString("response", mcp.Description("User response for a pending confirmation step")),
		mcp.WithString("session_id", mcp.Description("Session ID, for progress notifications")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("saga.cancel",
		mcp.WithDescription("Cancel a workflow, optionally compensating completed steps first"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
		mcp.WithString("force", mcp.Description("Run full compensation before cancelling when 'true'; default leaves completed side effects intact")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("saga.query",
		mcp.WithDescription("Query workflows, events, or recoverable workflows"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "recoverable"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (session_id, status, since, limit, event_type, workflow_id, after_sequence)")),
	)
}
