// Package retriever fuses semantic and lexical relevance into one ranking.
//
// Candidates come from a vector store query with the caller's filters
// applied before scoring. Each candidate is then scored lexically against
// the query's token set and the two scores are combined linearly:
//
//	combined = alpha*semantic + beta*lexical
//
// Ordering is total: combined descending, then chunk index, document name
// and chunk id ascending, so identical inputs always rank identically.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/lexical"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/vectorstore"
)

var tracer = otel.Tracer("sessionrag.retriever")

var (
	// ErrInvalidWeights is returned when the fusion weights do not sum to one.
	ErrInvalidWeights = errors.New("retriever: alpha and beta must be non-negative and sum to 1")

	// ErrTopKTooLarge is returned for a request above Options.MaxTopK.
	ErrTopKTooLarge = errors.New("retriever: top_k exceeds the configured maximum")
)

// DefaultMaxTopK bounds the results one request may ask for.
const DefaultMaxTopK = 100

// weightTolerance bounds |alpha+beta-1|.
const weightTolerance = 1e-6

// Weights are the fusion coefficients.
type Weights struct {
	Alpha float64
	Beta  float64
}

// DefaultWeights favour semantic similarity.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.70, Beta: 0.30}
}

// Validate checks the weights are usable.
func (w Weights) Validate() error {
	if w.Alpha < 0 || w.Beta < 0 || math.Abs(w.Alpha+w.Beta-1) > weightTolerance {
		return fmt.Errorf("%w: got %.4f + %.4f", ErrInvalidWeights, w.Alpha, w.Beta)
	}
	return nil
}

// Options configure a Retriever.
type Options struct {
	Weights Weights
	// TopK is used when a request does not set one.
	TopK int
	// MaxTopK rejects requests asking for more results.
	MaxTopK int
	// CandidateMultiplier sets how many semantic candidates are fetched per
	// requested result.
	CandidateMultiplier int
	// QueryTokenLimit caps the query token set used for lexical scoring.
	QueryTokenLimit int
}

// DefaultOptions returns the standard retrieval options.
func DefaultOptions() Options {
	return Options{
		Weights:             DefaultWeights(),
		TopK:                5,
		MaxTopK:             DefaultMaxTopK,
		CandidateMultiplier: 3,
		QueryTokenLimit:     lexical.DefaultQueryTokenLimit,
	}
}

// LexicalScorer scores a stored chunk against query tokens.
type LexicalScorer interface {
	Score(queryTokens []string, id string) float64
}

// Request is one retrieval.
type Request struct {
	Query string
	// Vector is the embedded query.
	Vector []float32
	TopK   int
	// Groups and Documents restrict candidates before scoring.
	Groups    []string
	Documents []string
}

// Result is a ranked chunk.
type Result struct {
	ID       string
	Content  string
	Metadata vectorstore.Metadata
	Semantic float64
	Lexical  float64
	Combined float64
}

// Retriever runs hybrid retrieval over one session's stores. The vector
// store reads its scope from the context passed to Retrieve.
type Retriever struct {
	store   vectorstore.Store
	lexical LexicalScorer
	opts    Options
	logger  *logging.Logger
}

// New creates a Retriever.
func New(store vectorstore.Store, lex LexicalScorer, opts Options, logger *logging.Logger) (*Retriever, error) {
	if store == nil || lex == nil {
		return nil, errors.New("retriever: store and lexical scorer are required")
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = DefaultMaxTopK
	}
	if opts.TopK > opts.MaxTopK {
		return nil, fmt.Errorf("%w: default %d, maximum %d", ErrTopKTooLarge, opts.TopK, opts.MaxTopK)
	}
	if opts.CandidateMultiplier < 1 {
		opts.CandidateMultiplier = DefaultOptions().CandidateMultiplier
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Retriever{store: store, lexical: lex, opts: opts, logger: logger}, nil
}

// Retrieve returns at most TopK results ranked by combined score. An empty
// candidate set yields an empty list and no error.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	topK := req.TopK
	if topK <= 0 {
		topK = r.opts.TopK
	}
	if topK > r.opts.MaxTopK {
		err := fmt.Errorf("%w: %d > %d", ErrTopKTooLarge, topK, r.opts.MaxTopK)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	n := r.opts.CandidateMultiplier * topK
	span.SetAttributes(
		attribute.Int("top_k", topK),
		attribute.Int("candidates_requested", n),
	)

	hits, err := r.store.Query(ctx, req.Vector, n, vectorstore.Filter{
		Documents: req.Documents,
		Groups:    req.Groups,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetching candidates: %w", err)
	}
	if len(hits) == 0 {
		return []Result{}, nil
	}

	tokens := lexical.QueryTokens(req.Query, r.opts.QueryTokenLimit)
	candidates := make([]Result, len(hits))
	for i, h := range hits {
		candidates[i] = Result{
			ID:       h.ID,
			Content:  h.Content,
			Metadata: h.Metadata,
			Semantic: h.Similarity,
			Lexical:  r.lexical.Score(tokens, h.ID),
		}
	}

	results := Fuse(candidates, r.opts.Weights)
	if len(results) > topK {
		results = results[:topK]
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	if r.logger.Enabled(logging.TraceLevel) {
		for rank, res := range results {
			r.logger.Trace(ctx, "ranked chunk",
				zap.Int("rank", rank),
				zap.String("chunk_id", res.ID),
				zap.Float64("semantic", res.Semantic),
				zap.Float64("lexical", res.Lexical),
				zap.Float64("combined", res.Combined))
		}
	}
	r.logger.Debug(ctx, "hybrid retrieval complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("query_tokens", len(tokens)),
		zap.Int("results", len(results)))
	return results, nil
}

// Fuse computes combined scores and sorts candidates. It does not modify
// the input slice.
func Fuse(candidates []Result, w Weights) []Result {
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		c.Combined = w.Alpha*c.Semantic + w.Beta*c.Lexical
		out[i] = c
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Combined != b.Combined {
			return a.Combined > b.Combined
		}
		if a.Metadata.ChunkIndex != b.Metadata.ChunkIndex {
			return a.Metadata.ChunkIndex < b.Metadata.ChunkIndex
		}
		if a.Metadata.Document != b.Metadata.Document {
			return a.Metadata.Document < b.Metadata.Document
		}
		return a.ID < b.ID
	})
	return out
}
