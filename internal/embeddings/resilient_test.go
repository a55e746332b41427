package embeddings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

// fakeProvider returns a deterministic vector per text and fails the first
// failFirst calls.
type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	batches   [][]string
	failFirst int
	dim       int
	delay     time.Duration
}

func (f *fakeProvider) vector(text string) []float32 {
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = float32(len(text) + i)
	}
	return v
}

func (f *fakeProvider) begin(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= f.failFirst {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	return f.vector(text), nil
}

func (f *fakeProvider) Dimension() int { return f.dim }
func (f *fakeProvider) Close() error   { return nil }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() ResilientConfig {
	return ResilientConfig{
		Model:       "fake",
		BatchSize:   2,
		Timeout:     time.Second,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		CacheSize:   8,
	}
}

func newTestResilient(t *testing.T, p Provider, cfg ResilientConfig, opts ...ResilientOption) *Resilient {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	opts = append([]ResilientOption{WithMetrics(newMetrics(mp.Meter(instrumentationName), nil))}, opts...)
	r, err := NewResilient(p, cfg, opts...)
	require.NoError(t, err)
	return r
}

func TestResilient_Batches(t *testing.T) {
	p := &fakeProvider{dim: 4}
	r := newTestResilient(t, p, testConfig())

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := r.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	for i, v := range vectors {
		assert.Equal(t, p.vector(texts[i]), v, "order must be preserved")
	}

	require.Len(t, p.batches, 3)
	assert.Equal(t, []string{"a", "bb"}, p.batches[0])
	assert.Equal(t, []string{"eeeee"}, p.batches[2])
}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{dim: 4, failFirst: 2}
	logger := logging.NewTestLogger()
	r := newTestResilient(t, p, testConfig(), WithLogger(logger.Logger))

	vectors, err := r.EmbedDocuments(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 3, p.callCount())
	assert.Len(t, logger.FilterMessage("embedding call failed").All(), 2)
	logger.AssertLogged(t, zapcore.WarnLevel, "embedding call failed")
}

func TestResilient_ExhaustionIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		call func(r *Resilient) error
	}{
		{"documents", func(r *Resilient) error {
			_, err := r.EmbedDocuments(context.Background(), []string{"x"})
			return err
		}},
		{"query", func(r *Resilient) error {
			_, err := r.EmbedQuery(context.Background(), "x")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{dim: 4, failFirst: 100}
			r := newTestResilient(t, p, testConfig())

			err := tt.call(r)
			require.ErrorIs(t, err, ErrEmbeddingUnavailable)
			assert.Equal(t, 3, p.callCount())
		})
	}
}

func TestResilient_PerCallTimeout(t *testing.T) {
	p := &fakeProvider{dim: 4, delay: time.Second}
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	r := newTestResilient(t, p, cfg)

	_, err := r.EmbedQuery(context.Background(), "slow")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 2, p.callCount())
}

func TestResilient_CallerCancellationIsNotRetried(t *testing.T) {
	p := &fakeProvider{dim: 4, failFirst: 100}
	r := newTestResilient(t, p, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.EmbedQuery(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestResilient_QueryCache(t *testing.T) {
	p := &fakeProvider{dim: 4}
	r := newTestResilient(t, p, testConfig())
	ctx := context.Background()

	first, err := r.EmbedQuery(ctx, "revenue by region")
	require.NoError(t, err)
	first[0] = -1 // callers may mutate their copy

	second, err := r.EmbedQuery(ctx, "revenue by region")
	require.NoError(t, err)
	assert.Equal(t, 1, p.callCount())
	assert.Equal(t, p.vector("revenue by region"), second)
}

func TestResilient_CacheDisabled(t *testing.T) {
	p := &fakeProvider{dim: 4}
	cfg := testConfig()
	cfg.CacheSize = 0
	r := newTestResilient(t, p, cfg)

	for i := 0; i < 2; i++ {
		_, err := r.EmbedQuery(context.Background(), "q")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.callCount())
}

func TestResilient_EmptyInput(t *testing.T) {
	p := &fakeProvider{dim: 4}
	r := newTestResilient(t, p, testConfig())

	_, err := r.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = r.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Zero(t, p.callCount())
}

func TestNewResilient_Validation(t *testing.T) {
	_, err := NewResilient(nil, testConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig()
	cfg.MaxAttempts = 0
	_, err = NewResilient(&fakeProvider{}, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
