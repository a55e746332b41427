package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/embeddings"
	"github.com/fyrsmithlabs/sessionrag/internal/rag"
	"github.com/fyrsmithlabs/sessionrag/internal/session"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Sessions: len(s.svc.ListActiveSessions()),
	})
}

func (s *Server) handleListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, SessionsResponse{Sessions: s.svc.ListActiveSessions()})
}

func (s *Server) handleStatus(c echo.Context) error {
	res, err := s.svc.Status(c.Request().Context(), c.Param("user"), c.Param("session"))
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleClear(c echo.Context) error {
	res, err := s.svc.Clear(c.Request().Context(), c.Param("user"), c.Param("session"))
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleIndex(c echo.Context) error {
	var body IndexBody
	if err := c.Bind(&body); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid index request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(body.Documents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "documents field is required")
	}

	res, err := s.svc.Index(c.Request().Context(), rag.IndexRequest{
		User:      c.Param("user"),
		Session:   c.Param("session"),
		Documents: body.Documents,
	})
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleQuery(c echo.Context) error {
	var body QueryBody
	if err := c.Bind(&body); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid query request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.svc.Query(c.Request().Context(), rag.QueryRequest{
		User:      c.Param("user"),
		Session:   c.Param("session"),
		Text:      body.Query,
		TopK:      body.TopK,
		Groups:    body.Groups,
		Documents: body.Documents,
	})
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// serviceError maps service errors onto HTTP statuses. Messages of
// unexpected errors are logged, not returned.
func (s *Server) serviceError(c echo.Context, err error) error {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, rag.ErrInvalidID), errors.Is(err, rag.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests, "too many active sessions"
	case errors.Is(err, embeddings.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable, "embedding service unavailable, try again later"
	case errors.Is(err, rag.ErrIndexCancelled):
		return http.StatusConflict, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// handleError renders every error as {"error": "..."}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := http.StatusText(status)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = fmt.Sprint(he.Message)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, ErrorResponse{Error: msg})
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "writing error response failed", zap.Error(err))
	}
}
