package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Level = "loud" }},
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"(["} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			_, err := NewLogger(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_StderrOnly(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{Stderr: true}
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.WarnLevel))

	cfg.Output = OutputConfig{OTEL: true}
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err, "otel output without a provider leaves no sink")
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithSession(context.Background(), "alice", "s1")
	ctx = WithRequestID(ctx, "req-42")
	tl.Info(ctx, "indexed documents", zap.Int("chunks", 3))

	tl.AssertLogged(t, zapcore.InfoLevel, "indexed documents")
	tl.AssertField(t, "indexed documents", "user_id", "alice")
	tl.AssertField(t, "indexed documents", "session_id", "s1")
	tl.AssertField(t, "indexed documents", "request_id", "req-42")
	tl.AssertField(t, "indexed documents", "chunks", int64(3))
}

func TestLogger_TraceCorrelation(t *testing.T) {
	tl := NewTestLogger()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:  trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	tl.Debug(ctx, "query embedded")

	tl.AssertField(t, "query embedded", "trace_id", sc.TraceID().String())
	tl.AssertField(t, "query embedded", "span_id", sc.SpanID().String())
}

func TestLogger_TraceLevel(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "chunk boundary", zap.Int("offset", 10))
	tl.AssertLogged(t, TraceLevel, "chunk boundary")

	lvl, err := LevelFromString("TRACE")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	_, err = LevelFromString("nope")
	assert.Error(t, err)
}

func TestLogger_NamedAndWith(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("rag").With(zap.String("component", "retriever"))
	child.Warn(context.Background(), "empty candidate set")

	entries := tl.FilterMessage("empty candidate set").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "rag", entries[0].LoggerName)
	assert.Equal(t, "retriever", entries[0].ContextMap()["component"])
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "from context")
	tl.AssertLogged(t, zapcore.InfoLevel, "from context")
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	z := zap.New(core).With(zap.String("token", "abc123"))
	z.Info("calling provider",
		zap.String("api_key", "sk-secret"),
		zap.String("header", "Bearer xyz"),
		zap.String("model", "gpt-4o-mini"),
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "[REDACTED]", entry["token"])
	assert.Equal(t, "[REDACTED]", entry["api_key"])
	assert.Equal(t, "[REDACTED:pattern]", entry["header"])
	assert.Equal(t, "gpt-4o-mini", entry["model"])
}
