package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/sessionrag/internal/chunker"
	"github.com/fyrsmithlabs/sessionrag/internal/citation"
	"github.com/fyrsmithlabs/sessionrag/internal/embeddings"
	"github.com/fyrsmithlabs/sessionrag/internal/generation"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/retriever"
	"github.com/fyrsmithlabs/sessionrag/internal/sanitize"
	"github.com/fyrsmithlabs/sessionrag/internal/session"
	"github.com/fyrsmithlabs/sessionrag/internal/vectorstore"
)

// Generator writes and repairs answers from evidence.
// *generation.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, query string, c generation.Context) (string, error)
	Repair(ctx context.Context, query string, c generation.Context, answer string, invalid []citation.Citation) (string, error)
}

// Config tunes the service.
type Config struct {
	Chunking chunker.Options
	// MaxContextChars bounds the evidence placed in a prompt, in bytes.
	MaxContextChars int
	// IndexParallelism bounds concurrent document chunking per request.
	IndexParallelism int
	// MaxRepairs bounds citation repair attempts. Negative uses the default.
	MaxRepairs int
	// MaxTopK bounds QueryRequest.TopK.
	MaxTopK int
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		Chunking:         chunker.DefaultOptions(),
		MaxContextChars:  24000,
		IndexParallelism: 4,
		MaxRepairs:       citation.DefaultMaxRepairs,
		MaxTopK:          retriever.DefaultMaxTopK,
	}
}

// Service is the public face of the engine: index, query, status and clear
// over per-session indexes.
type Service struct {
	registry  *session.Registry
	chunker   *chunker.Chunker
	embedder  embeddings.Embedder
	generator Generator
	validator *citation.Validator
	cfg       Config
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *metrics
}

// NewService wires a Service. The registry is owned by the caller.
func NewService(registry *session.Registry, embedder embeddings.Embedder, generator Generator, cfg Config, logger *logging.Logger) (*Service, error) {
	if registry == nil {
		return nil, errors.New("rag: registry is required")
	}
	if embedder == nil {
		return nil, errors.New("rag: embedder is required")
	}
	if generator == nil {
		return nil, errors.New("rag: generator is required")
	}
	if cfg.MaxContextChars <= 0 {
		return nil, fmt.Errorf("rag: max context chars must be > 0, got %d", cfg.MaxContextChars)
	}
	if cfg.IndexParallelism <= 0 {
		cfg.IndexParallelism = 1
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = retriever.DefaultMaxTopK
	}
	c, err := chunker.New(cfg.Chunking)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("rag")

	return &Service{
		registry:  registry,
		chunker:   c,
		embedder:  embedder,
		generator: generator,
		validator: citation.NewValidator(cfg.MaxRepairs, logger),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		metrics:   newMetrics(logger),
	}, nil
}

func (s *Service) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	s.metrics.record(ctx, op, start, err)
}

func sessionKey(user, sess string) (session.Key, error) {
	key := session.Key{User: user, Session: sess}
	if err := key.Validate(); err != nil {
		return session.Key{}, err
	}
	return key, nil
}

// prepared is one document after chunking.
type prepared struct {
	doc     chunker.Document
	chunks  []chunker.Chunk
	dropped int
	err     error
}

// Index chunks, embeds and commits documents to a session, creating it if
// needed. Documents that fail to parse are reported in the result and do
// not stop the others. Embedding failure aborts the operation and commits
// nothing; so does a concurrent Clear, reported as ErrIndexCancelled.
func (s *Service) Index(ctx context.Context, req IndexRequest) (result *IndexResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "rag.Index",
		trace.WithAttributes(attribute.Int("documents", len(req.Documents))))
	defer func() { s.finish(ctx, span, "index", start, err) }()

	key, err := sessionKey(req.User, req.Session)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSession(ctx, key.User, key.Session)

	docs, err := s.chunkAll(ctx, req.Documents)
	if err != nil {
		return nil, err
	}

	result = &IndexResult{}
	var ready []prepared
	for _, p := range docs {
		if p.err != nil {
			result.Errors = append(result.Errors, DocumentError{Document: p.doc.Name, Reason: reason(p.err)})
			continue
		}
		if p.dropped > 0 {
			msg := fmt.Sprintf("%d columns beyond the first %d were not indexed", p.dropped, s.chunker.Options().MaxColumns)
			result.Warnings = append(result.Warnings, DocumentWarning{Document: p.doc.Name, Message: msg})
			s.logger.Warn(ctx, "document columns dropped",
				zap.String("document", p.doc.Name),
				zap.Int("dropped_columns", p.dropped))
		}
		ready = append(ready, p)
	}
	defer func() {
		if result != nil {
			s.metrics.indexed(ctx, result.IndexedChunks, len(result.Errors))
		}
	}()
	if len(ready) == 0 {
		s.logger.Info(ctx, "no indexable documents", zap.Int("rejected", len(result.Errors)))
		return result, nil
	}

	n, err := s.commit(ctx, key, ready)
	if errors.Is(err, session.ErrSessionClosed) {
		// Cleared between lookup and lock; the next lookup creates a
		// fresh session.
		n, err = s.commit(ctx, key, ready)
	}
	if err != nil {
		return nil, err
	}
	result.IndexedChunks = n

	s.logger.Info(ctx, "documents indexed",
		zap.Int("documents", len(ready)),
		zap.Int("chunks", n),
		zap.Int("rejected", len(result.Errors)))
	return result, nil
}

func (s *Service) chunkAll(ctx context.Context, docs []Document) ([]prepared, error) {
	out := make([]prepared, len(docs))
	seen := make(map[string]struct{}, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.IndexParallelism)
	for i, d := range docs {
		cd := chunker.Document{
			Name:    d.Name,
			Group:   d.Group,
			Format:  chunker.Format(strings.ToLower(strings.TrimSpace(d.Format))),
			Content: d.Content,
		}
		out[i].doc = cd
		if err := sanitize.ValidateDocumentName(d.Name); err != nil {
			out[i].err = err
			continue
		}
		if _, dup := seen[d.Name]; dup {
			out[i].err = fmt.Errorf("document %q appears more than once in the request", d.Name)
			continue
		}
		seen[d.Name] = struct{}{}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rendered, err := chunker.Render(cd, s.chunker.Options())
			if err != nil {
				out[i].err = err
				return nil
			}
			out[i].chunks = s.chunker.Split(cd, rendered)
			out[i].dropped = rendered.DroppedColumns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func reason(err error) string {
	var ie *chunker.IndexingError
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return err.Error()
}

// commit embeds outside the state lock while holding the write lock, then
// commits everything at once.
func (s *Service) commit(ctx context.Context, key session.Key, docs []prepared) (int, error) {
	idx, err := s.registry.GetOrCreate(key)
	if err != nil {
		return 0, err
	}
	w, err := idx.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer w.Release()

	batch := make([]session.DocumentChunks, 0, len(docs))
	for _, p := range docs {
		if err := w.Err(); err != nil {
			return 0, s.cancelled(ctx, err)
		}
		records, err := s.embed(w.Context(), key, p)
		if err != nil {
			if w.Err() != nil {
				return 0, s.cancelled(ctx, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, err
		}
		batch = append(batch, session.DocumentChunks{Name: p.doc.Name, Group: p.doc.Group, Records: records})
	}

	if err := w.Err(); err != nil {
		return 0, s.cancelled(ctx, err)
	}
	n, err := w.Commit(ctx, batch)
	if errors.Is(err, session.ErrCancelled) {
		return 0, s.cancelled(ctx, err)
	}
	return n, err
}

func (s *Service) cancelled(ctx context.Context, cause error) error {
	s.logger.Info(ctx, "index operation abandoned, session cleared", zap.Error(cause))
	return ErrIndexCancelled
}

func (s *Service) embed(ctx context.Context, key session.Key, p prepared) ([]vectorstore.Record, error) {
	texts := make([]string, len(p.chunks))
	for i, c := range p.chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if !errors.Is(err, embeddings.ErrEmbeddingUnavailable) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", embeddings.ErrEmbeddingUnavailable, err)
		}
		return nil, fmt.Errorf("embedding %q: %w", p.doc.Name, err)
	}
	if len(vectors) != len(p.chunks) {
		return nil, fmt.Errorf("embedding %q: %w: got %d vectors for %d chunks",
			p.doc.Name, embeddings.ErrEmbeddingUnavailable, len(vectors), len(p.chunks))
	}

	records := make([]vectorstore.Record, len(p.chunks))
	for i, c := range p.chunks {
		records[i] = vectorstore.Record{
			ID:      uuid.NewString(),
			Vector:  vectors[i],
			Content: c.Content,
			Metadata: vectorstore.Metadata{
				User:       key.User,
				Session:    key.Session,
				Document:   c.Document,
				Group:      c.Group,
				ChunkIndex: c.Index,
				RowStart:   c.RowStart,
				RowEnd:     c.RowEnd,
			},
		}
	}
	return records, nil
}

// Query answers a question from a session's documents. Missing sessions,
// empty retrievals and provider outages produce fixed answers rather than
// errors.
func (s *Service) Query(ctx context.Context, req QueryRequest) (result *QueryResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "rag.Query",
		trace.WithAttributes(attribute.Int("top_k", req.TopK)))
	defer func() { s.finish(ctx, span, "query", start, err) }()

	key, err := sessionKey(req.User, req.Session)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyQuery
	}
	if req.TopK < 0 || req.TopK > s.cfg.MaxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 0 and %d", ErrInvalidRequest, s.cfg.MaxTopK)
	}
	ctx = logging.WithSession(ctx, key.User, key.Session)

	idx, ok := s.registry.Get(key)
	if !ok {
		return s.fixed(ctx, "not_indexed", NotIndexedAnswer, true), nil
	}
	st, err := idx.Status()
	if err != nil || st.ChunkCount == 0 {
		return s.fixed(ctx, "not_indexed", NotIndexedAnswer, true), nil
	}

	vector, err := s.embedder.EmbedQuery(ctx, req.Text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Warn(ctx, "query embedding failed", zap.Error(err))
		return s.fixed(ctx, "unavailable", UnavailableAnswer, false), nil
	}

	results, err := idx.Retrieve(ctx, retriever.Request{
		Query:     req.Text,
		Vector:    vector,
		TopK:      req.TopK,
		Groups:    req.Groups,
		Documents: req.Documents,
	})
	if errors.Is(err, session.ErrSessionClosed) {
		return s.fixed(ctx, "not_indexed", NotIndexedAnswer, true), nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieving evidence: %w", err)
	}

	evidence := generation.BuildContext(results, s.cfg.MaxContextChars)
	if evidence.Empty() {
		return s.fixed(ctx, "no_evidence", NoEvidenceAnswer, true), nil
	}
	if evidence.Skipped > 0 {
		s.logger.Debug(ctx, "evidence trimmed to fit prompt", zap.Int("skipped", evidence.Skipped))
	}

	outcome, err := s.validator.Run(ctx,
		func(ctx context.Context) (string, error) {
			return s.generator.Generate(ctx, req.Text, evidence)
		},
		func(ctx context.Context, answer string, invalid []citation.Citation) (string, error) {
			return s.generator.Repair(ctx, req.Text, evidence, answer, invalid)
		},
		evidence.Allowed(),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Warn(ctx, "answer generation failed", zap.Error(err))
		return s.fixed(ctx, "unavailable", UnavailableAnswer, false), nil
	}

	span.SetAttributes(
		attribute.Int("sources", len(evidence.Blocks)),
		attribute.Bool("valid_citations", outcome.Valid),
		attribute.Int("attempts", outcome.Attempts),
	)
	return &QueryResult{
		Answer:         outcome.Answer,
		Sources:        sources(evidence),
		ValidCitations: outcome.Valid,
	}, nil
}

func (s *Service) fixed(ctx context.Context, reason, answer string, valid bool) *QueryResult {
	s.metrics.fixedAnswer(ctx, reason)
	return &QueryResult{Answer: answer, Sources: []Source{}, ValidCitations: valid}
}

func sources(c generation.Context) []Source {
	out := make([]Source, len(c.Blocks))
	for i, b := range c.Blocks {
		md := b.Result.Metadata
		out[i] = Source{
			Document:   md.Document,
			Group:      md.Group,
			Snippet:    snippet(b.Result.Content),
			ChunkIndex: md.ChunkIndex,
			Score:      b.Result.Combined,
		}
	}
	return out
}

func snippet(content string) string {
	n := 0
	for i := range content {
		if n == SnippetRunes {
			return content[:i]
		}
		n++
	}
	return content
}

// Status reports what a session holds. Unknown sessions are not an error.
func (s *Service) Status(ctx context.Context, user, sess string) (StatusResult, error) {
	key, err := sessionKey(user, sess)
	if err != nil {
		return StatusResult{}, err
	}
	idx, ok := s.registry.Get(key)
	if !ok {
		return StatusResult{Documents: []string{}}, nil
	}
	st, err := idx.Status()
	if err != nil {
		return StatusResult{Documents: []string{}}, nil
	}
	docs := st.Documents
	if docs == nil {
		docs = []string{}
	}
	return StatusResult{Indexed: st.ChunkCount > 0, ChunkCount: st.ChunkCount, Documents: docs}, nil
}

// Clear removes a session and everything indexed for it. An index
// operation in flight on the session fails with ErrIndexCancelled.
func (s *Service) Clear(ctx context.Context, user, sess string) (result ClearResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "rag.Clear")
	defer func() { s.finish(ctx, span, "clear", start, err) }()

	key, err := sessionKey(user, sess)
	if err != nil {
		return ClearResult{}, err
	}
	cleared, err := s.registry.Clear(logging.WithSession(ctx, key.User, key.Session), key)
	if err != nil {
		return ClearResult{}, err
	}
	return ClearResult{Cleared: cleared}, nil
}

// ListActiveSessions returns "user/session" keys in sorted order.
func (s *Service) ListActiveSessions() []string {
	keys := s.registry.ListActive()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
