package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

const providerQdrant = "qdrant"

var qdrantTracer = otel.Tracer("sessionrag.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string
	// Port is the gRPC port (6334), not the REST port.
	Port   int
	UseTLS bool
	APIKey string

	// MaxRetries bounds retries of transient gRPC failures. Default 3.
	MaxRetries int
	// RetryBackoff is the base of the exponential backoff. Default 200ms.
	RetryBackoff time.Duration
	// MaxMessageSize is the gRPC message limit in bytes. Default 50MB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// QdrantStore implements Store over Qdrant's gRPC API, one cosine collection
// per scope. Scope ids are also written into every payload and required by
// every filter.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *logging.Logger

	// collections caches names known to exist.
	collections sync.Map
}

// NewQdrantStore connects to Qdrant and performs a health check.
func NewQdrantStore(cfg QdrantConfig, logger *logging.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if !cfg.UseTLS {
		logger.Warn(context.Background(), "qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return &QdrantStore{client: client, config: cfg, logger: logger}, nil
}

func (s *QdrantStore) begin(ctx context.Context, op string) (context.Context, trace.Span, Scope, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore."+op)
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return ctx, span, Scope{}, err
	}
	span.SetAttributes(attribute.String("collection", scope.Collection()))
	return ctx, span, scope, nil
}

// withRetry retries transient gRPC failures with exponential backoff.
func (s *QdrantStore) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.config.MaxRetries), retry.NewExponential(s.config.RetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if IsTransientError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string, dim int) error {
	if _, ok := s.collections.Load(name); ok {
		return nil
	}
	var exists bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if !exists {
		if err := s.createCollection(ctx, name, dim); err != nil {
			return err
		}
	}
	s.collections.Store(name, true)
	return nil
}

func (s *QdrantStore) createCollection(ctx context.Context, name string, dim int) error {
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil && status.Code(err) != grpccodes.AlreadyExists {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return nil
}

// Add upserts records, creating the scope's collection sized to the batch.
func (s *QdrantStore) Add(ctx context.Context, records []Record) (err error) {
	start := time.Now()
	ctx, span, scope, err := s.begin(ctx, "Add")
	defer func() { observe(providerQdrant, "add", start, err); finish(span, err) }()
	if err != nil || len(records) == 0 {
		return err
	}

	dim, err := validateRecords(records)
	if err != nil {
		return err
	}
	name := scope.Collection()
	if err = s.ensureCollection(ctx, name, dim); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: toPayload(scope.apply(r.Metadata), r.Content),
		}
	}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

// Query searches the scope's collection.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, topK int, filter Filter) (hits []Hit, err error) {
	start := time.Now()
	ctx, span, scope, err := s.begin(ctx, "Query")
	defer func() { observe(providerQdrant, "query", start, err); finish(span, err) }()
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 || topK <= 0 {
		return nil, fmt.Errorf("%w: vector length %d, topK %d", ErrInvalidQuery, len(vector), topK)
	}
	name := scope.Collection()
	var points []*qdrant.ScoredPoint
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			Filter:         buildQdrantFilter(scope, filter),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if isNotFound(err) {
		s.collections.Delete(name)
		if err = s.createCollection(ctx, name, len(vector)); err != nil {
			return nil, err
		}
		s.collections.Store(name, true)
		RecreatedTotal.WithLabelValues(providerQdrant).Inc()
		s.logger.Warn(ctx, "collection missing at query time, recreated empty", zap.String("collection", name))
		return []Hit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", name, err)
	}

	hits = make([]Hit, 0, len(points))
	for _, p := range points {
		md, content := fromPayload(p.GetPayload())
		if md.User != scope.User || md.Session != scope.Session {
			continue
		}
		hits = append(hits, Hit{
			ID:         p.GetId().GetUuid(),
			Similarity: normalizeSimilarity(float64(p.GetScore())),
			Content:    content,
			Metadata:   md,
		})
	}
	return hits, nil
}

// Delete removes points by id.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) (err error) {
	start := time.Now()
	ctx, span, scope, err := s.begin(ctx, "Delete")
	defer func() { observe(providerQdrant, "delete", start, err); finish(span, err) }()
	if err != nil || len(ids) == 0 {
		return err
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: scope.Collection(),
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(pointIDs...),
		})
		return err
	})
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting %d points: %w", len(ids), err)
	}
	return nil
}

// Count returns the number of points in scope.
func (s *QdrantStore) Count(ctx context.Context) (n int, err error) {
	ctx, span, scope, err := s.begin(ctx, "Count")
	defer func() { finish(span, err) }()
	if err != nil {
		return 0, err
	}

	var count uint64
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: scope.Collection(),
			Filter:         buildQdrantFilter(scope, Filter{}),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return int(count), nil
}

// Clear drops the scope's collection.
func (s *QdrantStore) Clear(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span, scope, err := s.begin(ctx, "Clear")
	defer func() { observe(providerQdrant, "clear", start, err); finish(span, err) }()
	if err != nil {
		return err
	}

	name := scope.Collection()
	s.collections.Delete(name)
	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.DeleteCollection(ctx, name)
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// buildQdrantFilter requires the scope and ANDs one match-any condition per
// non-empty filter field.
func buildQdrantFilter(scope Scope, f Filter) *qdrant.Filter {
	must := []*qdrant.Condition{
		qdrant.NewMatchKeyword(keyUser, scope.User),
		qdrant.NewMatchKeyword(keySession, scope.Session),
	}
	if len(f.Documents) > 0 {
		must = append(must, qdrant.NewMatchKeywords(keyDocument, f.Documents...))
	}
	if len(f.Groups) > 0 {
		must = append(must, qdrant.NewMatchKeywords(keyGroup, f.Groups...))
	}
	return &qdrant.Filter{Must: must}
}

func toPayload(m Metadata, content string) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		keyUser:       qdrant.NewValueString(m.User),
		keySession:    qdrant.NewValueString(m.Session),
		keyDocument:   qdrant.NewValueString(m.Document),
		keyGroup:      qdrant.NewValueString(m.Group),
		keyChunkIndex: qdrant.NewValueInt(int64(m.ChunkIndex)),
		keyRowStart:   qdrant.NewValueInt(int64(m.RowStart)),
		keyRowEnd:     qdrant.NewValueInt(int64(m.RowEnd)),
		keyContent:    qdrant.NewValueString(content),
	}
}

func fromPayload(p map[string]*qdrant.Value) (Metadata, string) {
	return Metadata{
		User:       p[keyUser].GetStringValue(),
		Session:    p[keySession].GetStringValue(),
		Document:   p[keyDocument].GetStringValue(),
		Group:      p[keyGroup].GetStringValue(),
		ChunkIndex: int(p[keyChunkIndex].GetIntegerValue()),
		RowStart:   int(p[keyRowStart].GetIntegerValue()),
		RowEnd:     int(p[keyRowEnd].GetIntegerValue()),
	}, p[keyContent].GetStringValue()
}

var _ Store = (*QdrantStore)(nil)
