// Package http provides the HTTP API for sessionrag.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/rag"
)

// Service is the engine behind the API. *rag.Service satisfies it.
type Service interface {
	Index(ctx context.Context, req rag.IndexRequest) (*rag.IndexResult, error)
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResult, error)
	Status(ctx context.Context, user, session string) (rag.StatusResult, error)
	Clear(ctx context.Context, user, session string) (rag.ClearResult, error)
	ListActiveSessions() []string
}

// Server provides HTTP endpoints for sessionrag.
type Server struct {
	echo    *echo.Echo
	svc     Service
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// MaxBody limits request bodies, e.g. "32M".
	MaxBody string
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, logger *logging.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.MaxBody == "" {
		cfg.MaxBody = "32M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger.Named("http"),
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	e.HTTPErrorHandler = s.handleError

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(s.logRequests)
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(middleware.BodyLimit(cfg.MaxBody))

	s.registerRoutes()

	return s, nil
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Let the error handler set the status before logging it.
			c.Error(err)
		}

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:user/:session", s.handleStatus)
	v1.DELETE("/sessions/:user/:session", s.handleClear)
	v1.POST("/sessions/:user/:session/documents", s.handleIndex)
	v1.POST("/sessions/:user/:session/query", s.handleQuery)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
