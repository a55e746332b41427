package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/embeddings"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/rag"
	"github.com/fyrsmithlabs/sessionrag/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/sessionrag/internal/mcp"

// toolMetrics counts tool calls by tool and result. Instruments that fail to
// register stay nil and are skipped.
type toolMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newToolMetrics(meter metric.Meter, logger *logging.Logger) *toolMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	ctx := context.Background()
	m := &toolMetrics{}
	var err error

	if m.calls, err = meter.Int64Counter(
		"sessionrag.mcp.tool.calls_total",
		metric.WithDescription("MCP tool calls by tool and result"),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn(ctx, "failed to create tool call counter", zap.Error(err))
	}

	if m.duration, err = meter.Float64Histogram(
		"sessionrag.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.25, 1, 2.5, 5, 15, 30, 60, 120),
	); err != nil {
		logger.Warn(ctx, "failed to create tool duration histogram", zap.Error(err))
	}

	if m.inFlight, err = meter.Int64UpDownCounter(
		"sessionrag.mcp.tool.in_flight",
		metric.WithDescription("MCP tool calls currently running"),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn(ctx, "failed to create in-flight gauge", zap.Error(err))
	}
	return m
}

// start marks a call as running. The returned func records its outcome and
// must be called exactly once.
func (m *toolMetrics) start(ctx context.Context, tool string) func(err error) {
	began := time.Now()
	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, toolAttr)
	}

	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, toolAttr)
		}
		result := "ok"
		if err != nil {
			result = categorizeError(err)
		}
		attrs := metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("result", result),
		)
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(began).Seconds(), attrs)
		}
	}
}

// categorizeError maps a service error to a low-cardinality reason label.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, rag.ErrInvalidID), errors.Is(err, rag.ErrInvalidRequest):
		return "validation_error"
	case errors.Is(err, session.ErrTooManySessions):
		return "session_limit"
	case errors.Is(err, embeddings.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, rag.ErrIndexCancelled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
