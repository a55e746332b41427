package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/sessionrag/internal/embeddings"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/rag"
	"github.com/fyrsmithlabs/sessionrag/internal/session"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			out[md.Name] = md
		}
	}
	return out
}

func TestToolMetrics_Start(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newToolMetrics(mp.Meter(instrumentationName), logging.Nop())
	ctx := context.Background()

	m.start(ctx, "rag_query")(nil)
	m.start(ctx, "rag_query")(nil)
	m.start(ctx, "rag_index")(rag.ErrIndexCancelled)
	pending := m.start(ctx, "rag_index")

	got := collect(t, reader)

	calls, ok := got["sessionrag.mcp.tool.calls_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byResult := map[string]int64{}
	for _, dp := range calls.DataPoints {
		tool, _ := dp.Attributes.Value(attribute.Key("tool"))
		result, _ := dp.Attributes.Value(attribute.Key("result"))
		byResult[tool.AsString()+"/"+result.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"rag_query/ok": 2, "rag_index/cancelled": 1}, byResult)

	assert.Contains(t, got, "sessionrag.mcp.tool.duration_seconds")

	inFlight, ok := got["sessionrag.mcp.tool.in_flight"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var running int64
	for _, dp := range inFlight.DataPoints {
		running += dp.Value
	}
	assert.Equal(t, int64(1), running)

	pending(nil)
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"invalid id", fmt.Errorf("%w: user %q", rag.ErrInvalidID, "../x"), "validation_error"},
		{"empty query", rag.ErrEmptyQuery, "validation_error"},
		{"session limit", fmt.Errorf("%w: limit 3", session.ErrTooManySessions), "session_limit"},
		{"embedding down", fmt.Errorf("embedding %q: %w", "a.csv", embeddings.ErrEmbeddingUnavailable), "embedding_unavailable"},
		{"cleared", rag.ErrIndexCancelled, "cancelled"},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), "timeout"},
		{"generic error", errors.New("something went wrong"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categorizeError(tt.err))
		})
	}
}
