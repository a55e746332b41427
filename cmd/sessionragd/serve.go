package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/sessionrag/internal/http"
	mcpserver "github.com/fyrsmithlabs/sessionrag/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API until SIGINT or SIGTERM.

Examples:
  # Defaults: localhost:8080, in-memory chromem store
  sessionragd serve

  # Qdrant backend on another port
  SESSIONRAG_SERVER_PORT=9090 SESSIONRAG_VECTORSTORE_PROVIDER=qdrant sessionragd serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve the rag_index, rag_query, rag_status, rag_clear and rag_sessions
tools over the MCP stdio transport. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runMCP(ctx)
	},
}

// runServe starts the HTTP server and blocks until ctx is cancelled, then
// shuts down within the configured timeout.
func runServe(ctx context.Context) error {
	a, err := newApp(ctx, configPath, false)
	if err != nil {
		return err
	}

	srv, err := httpserver.NewServer(a.service, a.logger, &httpserver.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		MaxBody: a.cfg.Server.MaxBody,
		Version: version,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err = <-errCh:
		if err != nil {
			a.logger.Error(ctx, "http server failed", zap.Error(err))
		}
	case <-ctx.Done():
		a.logger.Info(context.Background(), "shutting down",
			zap.Duration("timeout", a.cfg.Server.ShutdownTimeout.Duration()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn(shutdownCtx, "http shutdown incomplete", zap.Error(serr))
	}
	if cerr := a.Close(shutdownCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// runMCP serves MCP over stdio until the client disconnects or ctx is
// cancelled.
func runMCP(ctx context.Context) error {
	a, err := newApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()

	srv, err := mcpserver.NewServer(&mcpserver.Config{Name: "sessionrag", Version: version}, a.service, a.logger)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
