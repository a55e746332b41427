package rag

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/sessionrag/internal/rag"

type metrics struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	chunks     metric.Int64Counter
	docErrors  metric.Int64Counter
	degraded   metric.Int64Counter
}

func newMetrics(logger *logging.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"sessionrag.rag.operations_total",
		metric.WithDescription("Total number of service operations by name and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create operations counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"sessionrag.rag.operation.duration",
		metric.WithDescription("Duration of service operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}

	m.chunks, err = meter.Int64Counter(
		"sessionrag.rag.indexed_chunks_total",
		metric.WithDescription("Total number of chunks committed"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create chunk counter", zap.Error(err))
	}

	m.docErrors, err = meter.Int64Counter(
		"sessionrag.rag.document_errors_total",
		metric.WithDescription("Total number of documents rejected during indexing"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create document error counter", zap.Error(err))
	}

	m.degraded, err = meter.Int64Counter(
		"sessionrag.rag.fixed_answers_total",
		metric.WithDescription("Total number of queries answered with a fixed answer, by reason"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create fixed answer counter", zap.Error(err))
	}
	return m
}

func (m *metrics) record(ctx context.Context, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	if m.operations != nil {
		m.operations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("result", result),
		))
	}
	if m.duration != nil {
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("operation", op)))
	}
}

func (m *metrics) indexed(ctx context.Context, chunks, failed int) {
	if m.chunks != nil && chunks > 0 {
		m.chunks.Add(ctx, int64(chunks))
	}
	if m.docErrors != nil && failed > 0 {
		m.docErrors.Add(ctx, int64(failed))
	}
}

func (m *metrics) fixedAnswer(ctx context.Context, reason string) {
	if m.degraded != nil {
		m.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
