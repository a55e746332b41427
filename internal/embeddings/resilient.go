package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

// ResilientConfig bounds calls made through Resilient.
type ResilientConfig struct {
	// Model labels metrics and keys the query cache.
	Model string
	// BatchSize is the maximum number of texts sent per provider call.
	BatchSize int
	// Timeout applies to each provider call, not to the whole operation.
	Timeout time.Duration
	// MaxAttempts is the total number of tries per call, first one included.
	MaxAttempts int
	// Backoff is the base delay of the exponential backoff between tries.
	Backoff time.Duration
	// CacheSize is the number of query embeddings kept. 0 disables caching.
	CacheSize int
}

// DefaultResilientConfig returns 64-text batches, 30s per call and three
// attempts starting at 500ms backoff.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		BatchSize:   64,
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		CacheSize:   1024,
	}
}

// Resilient wraps a Provider with batching, per-call timeouts, retry and a
// query cache.
type Resilient struct {
	provider Provider
	cfg      ResilientConfig
	cache    *lru.Cache[string, []float32]
	metrics  *Metrics
	logger   *logging.Logger
}

// ResilientOption configures a Resilient.
type ResilientOption func(*Resilient)

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *logging.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

// WithMetrics sets the instruments calls are recorded on.
func WithMetrics(m *Metrics) ResilientOption {
	return func(r *Resilient) { r.metrics = m }
}

// NewResilient wraps provider.
func NewResilient(provider Provider, cfg ResilientConfig, opts ...ResilientOption) (*Resilient, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if cfg.BatchSize <= 0 || cfg.MaxAttempts <= 0 || cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: batch size, attempts and timeout must be > 0", ErrInvalidConfig)
	}

	r := &Resilient{provider: provider, cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(r.logger.Underlying())
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("init query cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// EmbedDocuments embeds texts in batches. Any batch that stays failing after
// all attempts fails the whole call with ErrEmbeddingUnavailable.
func (r *Resilient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out := make([][]float32, 0, len(texts))
	dim := 0
	for start := 0; start < len(texts); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(texts))
		batch := texts[start:end]

		var vectors [][]float32
		err := r.do(ctx, "embed_documents", len(batch), func(ctx context.Context) error {
			v, err := r.provider.EmbedDocuments(ctx, batch)
			if err != nil {
				return err
			}
			if len(v) != len(batch) {
				return fmt.Errorf("%w: received %d embeddings for %d texts", ErrEmbeddingFailed, len(v), len(batch))
			}
			vectors = v
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, v := range vectors {
			if dim == 0 {
				dim = len(v)
			}
			if len(v) == 0 || len(v) != dim {
				return nil, fmt.Errorf("%w: inconsistent embedding dimension %d (want %d)", ErrEmbeddingFailed, len(v), dim)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// EmbedQuery embeds a single query, serving repeats from the cache.
func (r *Resilient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	key := r.cfg.Model + "\x00" + text
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			r.metrics.RecordCacheHit(ctx, r.cfg.Model)
			return cloneVector(v), nil
		}
	}

	var vector []float32
	err := r.do(ctx, "embed_query", 1, func(ctx context.Context) error {
		v, err := r.provider.EmbedQuery(ctx, text)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return fmt.Errorf("%w: empty embedding", ErrEmbeddingFailed)
		}
		vector = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Add(key, cloneVector(vector))
	}
	return vector, nil
}

// Dimension returns the wrapped provider's dimension.
func (r *Resilient) Dimension() int { return r.provider.Dimension() }

// Close closes the wrapped provider.
func (r *Resilient) Close() error { return r.provider.Close() }

func (r *Resilient) do(ctx context.Context, op string, n int, fn func(context.Context) error) error {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(r.cfg.MaxAttempts-1), retry.NewExponential(r.cfg.Backoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			r.metrics.RecordRetry(ctx, r.cfg.Model, op)
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		start := time.Now()
		err := fn(callCtx)
		r.metrics.RecordGeneration(ctx, r.cfg.Model, op, time.Since(start), n, err)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrEmptyInput) || ctx.Err() != nil {
			return err
		}

		r.logger.Warn(ctx, "embedding call failed",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Error(err))
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrEmptyInput):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrEmbeddingUnavailable, op, attempt, err)
	}
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
