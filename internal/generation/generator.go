package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/sessionrag/internal/citation"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

var tracer = otel.Tracer("sessionrag.generation")

var (
	// ErrGenerationUnavailable is returned when the chat model keeps failing.
	ErrGenerationUnavailable = errors.New("answer generation unavailable")

	// ErrEmptyResponse is returned when the model produces no text.
	ErrEmptyResponse = errors.New("empty response from chat model")
)

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionrag",
			Subsystem: "generation",
			Name:      "calls_total",
			Help:      "Chat model calls by operation and result",
		},
		[]string{"operation", "result"},
	)
	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionrag",
			Subsystem: "generation",
			Name:      "call_duration_seconds",
			Help:      "Chat model call latency, per attempt",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"operation"},
	)
)

// Redactor scrubs outbound text.
type Redactor interface {
	Redact(ctx context.Context, text string) string
}

type noRedaction struct{}

func (noRedaction) Redact(_ context.Context, text string) string { return text }

// Options bound chat model use.
type Options struct {
	Temperature float64
	MaxTokens   int
	// Timeout applies to each attempt.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	// RateLimit is calls per second across all sessions; 0 disables it.
	RateLimit float64
	Burst     int
}

// DefaultOptions returns 60s attempts, three attempts and 5 calls/s.
func DefaultOptions() Options {
	return Options{
		Temperature: 0,
		MaxTokens:   1024,
		Timeout:     60 * time.Second,
		MaxAttempts: 3,
		Backoff:     time.Second,
		RateLimit:   5,
		Burst:       5,
	}
}

// Generator produces answers from evidence.
type Generator struct {
	model    llms.Model
	opts     Options
	limiter  *rate.Limiter
	redactor Redactor
	logger   *logging.Logger
}

// New creates a Generator. A nil redactor sends prompts unchanged.
func New(model llms.Model, opts Options, redactor Redactor, logger *logging.Logger) (*Generator, error) {
	if model == nil {
		return nil, errors.New("generation: chat model is required")
	}
	if opts.MaxAttempts <= 0 || opts.Timeout <= 0 {
		return nil, errors.New("generation: attempts and timeout must be > 0")
	}
	if redactor == nil {
		redactor = noRedaction{}
	}
	if logger == nil {
		logger = logging.Nop()
	}

	g := &Generator{model: model, opts: opts, redactor: redactor, logger: logger}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return g, nil
}

// Generate answers query from the evidence in c.
func (g *Generator) Generate(ctx context.Context, query string, c Context) (string, error) {
	return g.call(ctx, "generate", answerPrompt(query, c), len(c.Blocks))
}

// Repair asks for a version of answer that cites only allowed markers.
func (g *Generator) Repair(ctx context.Context, query string, c Context, answer string, invalid []citation.Citation) (string, error) {
	return g.call(ctx, "repair", repairPrompt(query, c, answer, invalid), len(c.Blocks))
}

func (g *Generator) call(ctx context.Context, op, prompt string, blocks int) (string, error) {
	ctx, span := tracer.Start(ctx, "Generator."+op)
	defer span.End()
	span.SetAttributes(attribute.Int("blocks", blocks))

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, g.redactor.Redact(ctx, prompt)),
	}
	callOpts := []llms.CallOption{llms.WithTemperature(g.opts.Temperature)}
	if g.opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(g.opts.MaxTokens))
	}

	var (
		answer  string
		attempt int
	)
	backoff := retry.WithMaxRetries(uint64(g.opts.MaxAttempts-1), retry.NewExponential(g.opts.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()

		start := time.Now()
		text, err := g.generateOnce(callCtx, messages, callOpts)
		callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			answer = text
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		g.logger.Warn(ctx, "chat model call failed",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.opts.MaxAttempts),
			zap.Error(err))
		return retry.RetryableError(err)
	})

	if err != nil {
		callsTotal.WithLabelValues(op, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return "", fmt.Errorf("%w: %s failed after %d attempts: %w", ErrGenerationUnavailable, op, attempt, err)
	}

	callsTotal.WithLabelValues(op, "success").Inc()
	span.SetAttributes(attribute.Int("attempts", attempt))
	return answer, nil
}

func (g *Generator) generateOnce(ctx context.Context, messages []llms.MessageContent, opts []llms.CallOption) (string, error) {
	resp, err := g.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
