// Package mcp exposes the workflow runner as Model Context Protocol tools.
package mcp

import (
	"context"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/loader"
	"github.com/rendis/houndflow/internal/streaming"
)

// HoundflowServerDeps holds the dependencies for creating a HoundflowServer.
type HoundflowServerDeps struct {
	Runner  *engine.Runner
	Loader  *loader.Loader
	Hub     streaming.Hub // optional; enables completion notifications
	Logger  *zap.Logger
	Version string
}

// HoundflowServer wraps an MCP server with workflow tool handlers.
type HoundflowServer struct {
	runner    *engine.Runner
	loader    *loader.Loader
	notifier  *ProgressNotifier
	logger    *zap.Logger
	mcpServer *server.MCPServer

	base    context.Context
	stop    context.CancelFunc
	watches sync.WaitGroup
}

// NewHoundflowServer creates a HoundflowServer with every tool registered.
func NewHoundflowServer(deps HoundflowServerDeps) *HoundflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	base, stop := context.WithCancel(context.Background())
	s := &HoundflowServer{
		runner: deps.Runner,
		loader: deps.Loader,
		logger: logger,
		base:   base,
		stop:   stop,
	}

	mcpSrv := server.NewMCPServer(
		"houndflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Houndflow runs declarative browser automation workflows. Use houndflow.define to register a workflow document, houndflow.run to start it, houndflow.status to inspect a run, houndflow.pause/resume/cancel to control it, and houndflow.query to list workflows or executions."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if deps.Hub != nil {
		s.notifier = NewProgressNotifier(mcpSrv, deps.Hub, logger)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *HoundflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEServer returns an SSE transport for the server.
func (s *HoundflowServer) SSEServer(baseURL string) *server.SSEServer {
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// Close stops pending completion notifications.
func (s *HoundflowServer) Close() {
	s.stop()
	s.watches.Wait()
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *HoundflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *HoundflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("houndflow.define",
		mcp.WithDescription("Register a workflow document"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Workflow document as YAML or JSON text")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("houndflow.run",
		mcp.WithDescription("Start an execution of a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow")),
		mcp.WithObject("inputs", mcp.Description("Input values for the workflow")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution finishes or pauses (default: false)")),
		mcp.WithBoolean("notify", mcp.Description("Push a notification to this session when the execution finishes (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("houndflow.status",
		mcp.WithDescription("Get execution status and progress"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("houndflow.pause",
		mcp.WithDescription("Pause an execution at its next step boundary"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to pause")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("houndflow.resume",
		mcp.WithDescription("Resume a paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to resume")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("houndflow.cancel",
		mcp.WithDescription("Cancel an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Reason recorded with the cancellation")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("houndflow.query",
		mcp.WithDescription("List registered workflows or stored executions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria for executions (workflow_id, status, limit)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("houndflow.diagram",
		mcp.WithDescription("Render a registered workflow as a diagram"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow")),
		mcp.WithString("execution_id", mcp.Description("Overlay the step results of this execution")),
		mcp.WithString("format",
			mcp.Enum("ascii", "mermaid", "svg", "png"),
			mcp.Description("Output format (default: ascii). png is returned base64-encoded"),
		),
	)
}
