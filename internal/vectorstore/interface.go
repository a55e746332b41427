package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("vector store connection failed")

	// ErrInvalidRecord indicates a record without id or vector, or a batch
	// mixing vector dimensions.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidQuery indicates an empty query vector or non-positive topK.
	ErrInvalidQuery = errors.New("invalid query")
)

// Metadata is the provenance stored alongside each vector.
type Metadata struct {
	User       string
	Session    string
	Document   string
	Group      string
	ChunkIndex int
	RowStart   int
	RowEnd     int
}

// Record is one chunk embedding to store.
type Record struct {
	ID       string
	Vector   []float32
	Content  string
	Metadata Metadata
}

// Hit is one query result.
type Hit struct {
	ID string
	// Similarity is the cosine similarity mapped onto [0,1].
	Similarity float64
	Content    string
	Metadata   Metadata
}

// Store is a scope-aware vector store. Every method requires a Scope in ctx.
type Store interface {
	// Add upserts records into the scope's collection, creating it if needed.
	Add(ctx context.Context, records []Record) error

	// Query returns up to topK hits ordered by similarity, restricted to the
	// scope and to filter.
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error)

	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of records in the scope.
	Count(ctx context.Context) (int, error)

	// Clear drops the scope's collection. Clearing an absent scope is a no-op.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

const (
	keyUser       = "user_id"
	keySession    = "session_id"
	keyDocument   = "document"
	keyGroup      = "group"
	keyChunkIndex = "chunk_index"
	keyRowStart   = "row_start"
	keyRowEnd     = "row_end"
	keyContent    = "content"
)

func (m Metadata) toStrings() map[string]string {
	return map[string]string{
		keyUser:       m.User,
		keySession:    m.Session,
		keyDocument:   m.Document,
		keyGroup:      m.Group,
		keyChunkIndex: strconv.Itoa(m.ChunkIndex),
		keyRowStart:   strconv.Itoa(m.RowStart),
		keyRowEnd:     strconv.Itoa(m.RowEnd),
	}
}

func metadataFromStrings(m map[string]string) Metadata {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return Metadata{
		User:       m[keyUser],
		Session:    m[keySession],
		Document:   m[keyDocument],
		Group:      m[keyGroup],
		ChunkIndex: atoi(m[keyChunkIndex]),
		RowStart:   atoi(m[keyRowStart]),
		RowEnd:     atoi(m[keyRowEnd]),
	}
}

// normalizeSimilarity maps a cosine similarity onto [0,1].
func normalizeSimilarity(cos float64) float64 {
	s := (cos + 1) / 2
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

// validateRecords checks ids and that every vector shares one dimension.
func validateRecords(records []Record) (int, error) {
	dim := 0
	for i, r := range records {
		if r.ID == "" {
			return 0, fmt.Errorf("%w: record %d has no id", ErrInvalidRecord, i)
		}
		if len(r.Vector) == 0 {
			return 0, fmt.Errorf("%w: record %s has no vector", ErrInvalidRecord, r.ID)
		}
		if dim == 0 {
			dim = len(r.Vector)
		} else if len(r.Vector) != dim {
			return 0, fmt.Errorf("%w: record %s has dimension %d, batch has %d", ErrInvalidRecord, r.ID, len(r.Vector), dim)
		}
	}
	return dim, nil
}

// unitVector returns an L2-normalized copy of v. chromem scores by dot
// product and expects unit vectors.
func unitVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
