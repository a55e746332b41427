package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

const providerChromem = "chromem"

var chromemTracer = otel.Tracer("sessionrag.vectorstore.chromem")

// errNoEmbedding is returned by the collection embedding func. Records always
// carry vectors, so chromem should never need to embed text itself.
var errNoEmbedding = errors.New("chromem: records must carry precomputed embeddings")

// noEmbedding must be passed instead of nil: chromem substitutes its OpenAI
// default embedder for a nil func.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string
	// Compress gzips persisted collections.
	Compress bool
}

// ChromemStore implements Store with chromem-go, one collection per scope.
//
// chromem's where clause is equality only, so filters with several
// documents or groups are evaluated in Go over the scope's full candidate
// list.
type ChromemStore struct {
	db     *chromem.DB
	logger *logging.Logger
}

// NewChromemStore opens (or creates) a chromem database.
func NewChromemStore(cfg ChromemConfig, logger *logging.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	if cfg.Path == "" {
		logger.Info(context.Background(), "chromem store initialized in memory")
		return &ChromemStore{db: chromem.NewDB(), logger: logger}, nil
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info(context.Background(), "chromem store initialized",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress))
	return &ChromemStore{db: db, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) begin(ctx context.Context, op string) (context.Context, trace.Span, Scope, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore."+op)
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return ctx, span, Scope{}, err
	}
	span.SetAttributes(attribute.String("collection", scope.Collection()))
	return ctx, span, scope, nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.End()
}

// Add upserts records into the scope's collection.
func (s *ChromemStore) Add(ctx context.Context, records []Record) (err error) {
	start := time.Now()
	ctx, span, scope, err := s.begin(ctx, "Add")
	defer func() { observe(providerChromem, "add", start, err); finish(span, err) }()
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return nil
	}
	if _, err = validateRecords(records); err != nil {
		return err
	}

	coll, err := s.db.GetOrCreateCollection(scope.Collection(), nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("getting collection %s: %w", scope.Collection(), err)
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Metadata:  scope.apply(r.Metadata).toStrings(),
			Embedding: unitVector(r.Vector),
		}
	}
	if err = coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug(ctx, "added records to chromem",
		zap.String("collection", scope.Collection()),
		zap.Int("count", len(records)))
	return nil
}

// Query returns the topK most similar records in scope matching filter.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, topK int, filter Filter) (hits []Hit, err error) {
	start := time.Now()
	ctx, span, scope, err := s.begin(ctx, "Query")
	defer func() { observe(providerChromem, "query", start, err); finish(span, err) }()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("k", topK))

	if len(vector) == 0 || topK <= 0 {
		return nil, fmt.Errorf("%w: vector length %d, topK %d", ErrInvalidQuery, len(vector), topK)
	}
	name := scope.Collection()
	coll := s.db.GetCollection(name, noEmbedding)
	if coll == nil {
		if _, err = s.db.GetOrCreateCollection(name, nil, noEmbedding); err != nil {
			return nil, fmt.Errorf("recreating collection %s: %w", name, err)
		}
		RecreatedTotal.WithLabelValues(providerChromem).Inc()
		s.logger.Warn(ctx, "collection missing at query time, recreated empty",
			zap.String("collection", name))
		return []Hit{}, nil
	}

	count := coll.Count()
	if count == 0 {
		return []Hit{}, nil
	}

	n := topK
	if filter.multiValued() {
		n = count
	}
	n = min(n, count)

	results, err := coll.QueryEmbedding(ctx, unitVector(vector), n, filter.where(scope), nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", name, err)
	}

	hits = make([]Hit, 0, min(len(results), topK))
	for _, r := range results {
		md := metadataFromStrings(r.Metadata)
		if md.User != scope.User || md.Session != scope.Session || !filter.Matches(md) {
			continue
		}
		hits = append(hits, Hit{
			ID:         r.ID,
			Similarity: normalizeSimilarity(float64(r.Similarity)),
			Content:    r.Content,
			Metadata:   md,
		})
		if len(hits) == topK {
			break
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Delete removes records by id from the scope's collection.
func (s *ChromemStore) Delete(ctx context.Context, ids []string) (err error) {
	start := time.Now()
	ctx, span, scope, err := s.begin(ctx, "Delete")
	defer func() { observe(providerChromem, "delete", start, err); finish(span, err) }()
	if err != nil || len(ids) == 0 {
		return err
	}

	coll := s.db.GetCollection(scope.Collection(), noEmbedding)
	if coll == nil {
		return nil
	}
	if err = coll.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting %d records: %w", len(ids), err)
	}
	return nil
}

// Count returns the number of records in the scope's collection.
func (s *ChromemStore) Count(ctx context.Context) (n int, err error) {
	_, span, scope, err := s.begin(ctx, "Count")
	defer func() { finish(span, err) }()
	if err != nil {
		return 0, err
	}

	coll := s.db.GetCollection(scope.Collection(), noEmbedding)
	if coll == nil {
		return 0, nil
	}
	return coll.Count(), nil
}

// Clear drops the scope's collection.
func (s *ChromemStore) Clear(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span, scope, err := s.begin(ctx, "Clear")
	defer func() { observe(providerChromem, "clear", start, err); finish(span, err) }()
	if err != nil {
		return err
	}

	if err = s.db.DeleteCollection(scope.Collection()); err != nil {
		return fmt.Errorf("deleting collection %s: %w", scope.Collection(), err)
	}
	s.logger.Debug(ctx, "dropped chromem collection", zap.String("collection", scope.Collection()))
	return nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
