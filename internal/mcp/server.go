package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/rag"
)

// Service is the engine behind the tools. *rag.Service satisfies it.
type Service interface {
	Index(ctx context.Context, req rag.IndexRequest) (*rag.IndexResult, error)
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResult, error)
	Status(ctx context.Context, user, session string) (rag.StatusResult, error)
	Clear(ctx context.Context, user, session string) (rag.ClearResult, error)
	ListActiveSessions() []string
}

// Server is an MCP server backed by the RAG service.
type Server struct {
	mcp     *mcp.Server
	svc     Service
	metrics *toolMetrics
	logger  *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "sessionrag")
	Name string

	// Version is the server version (default: "dev")
	Version string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "sessionrag",
		Version: "dev",
	}
}

// NewServer creates a new MCP server with its tools registered.
func NewServer(cfg *Config, svc Service, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc == nil {
		return nil, fmt.Errorf("rag service is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("mcp")

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		svc:     svc,
		metrics: newToolMetrics(nil, logger),
		logger:  logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// addTool registers a tool with metrics and logging around it. h returns
// the structured output and a short text summary.
func addTool[In, Out any](s *Server, tool *mcp.Tool, h func(ctx context.Context, in In) (Out, string, error)) {
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.start(ctx, tool.Name)
		out, text, err := h(ctx, in)
		done(err)

		if err != nil {
			s.logger.Warn(ctx, "tool call failed",
				zap.String("tool", tool.Name),
				zap.String("reason", categorizeError(err)),
				zap.Error(err))
			var zero Out
			return nil, zero, fmt.Errorf("%s: %w", tool.Name, err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}
