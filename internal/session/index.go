package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/lexical"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/retriever"
	"github.com/fyrsmithlabs/sessionrag/internal/vectorstore"
)

var (
	// ErrSessionClosed is returned by a handle whose session was cleared or
	// expired. Callers should look the session up again.
	ErrSessionClosed = errors.New("session closed")

	// ErrCancelled is returned to a writer whose session is being cleared.
	ErrCancelled = errors.New("index operation cancelled by clear")

	// ErrDimensionMismatch is returned when a batch's embedding dimension
	// differs from the session's.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// DocumentChunks are the records replacing one document's chunks.
type DocumentChunks struct {
	Name    string
	Group   string
	Records []vectorstore.Record
}

// Status summarizes a session index.
type Status struct {
	ChunkCount int
	Documents  []string
	Dimension  int
}

type catalogEntry struct {
	group string
	ids   []string
}

// Index is one session's chunks, embeddings and lexical entries.
type Index struct {
	key    Key
	scope  vectorstore.Scope
	store  vectorstore.Store
	lex    *lexical.Index
	ret    *retriever.Retriever
	logger *logging.Logger

	// writeSem is the write lock; a channel so waiting honours contexts.
	writeSem  chan struct{}
	cancelled atomic.Bool

	opMu     sync.Mutex
	opCancel context.CancelFunc

	stateMu   sync.RWMutex
	closed    bool
	committed bool
	dim       int
	catalog   map[string]catalogEntry
	chunks    int

	lastAccess atomic.Int64
	now        func() time.Time
}

func newIndex(key Key, store vectorstore.Store, opts retriever.Options, now func() time.Time, logger *logging.Logger) (*Index, error) {
	lex := lexical.NewIndex()
	ret, err := retriever.New(store, lex, opts, logger)
	if err != nil {
		return nil, err
	}
	idx := &Index{
		key:      key,
		scope:    key.scope(),
		store:    store,
		lex:      lex,
		ret:      ret,
		logger:   logger.With(zap.String("user_id", key.User), zap.String("session_id", key.Session)),
		writeSem: make(chan struct{}, 1),
		catalog:  make(map[string]catalogEntry),
		now:      now,
	}
	idx.touch()
	return idx, nil
}

// Key returns the session key.
func (idx *Index) Key() Key { return idx.key }

func (idx *Index) touch() {
	idx.lastAccess.Store(idx.now().UnixNano())
}

// LastAccess returns when the session was last used.
func (idx *Index) LastAccess() time.Time {
	return time.Unix(0, idx.lastAccess.Load())
}

func (idx *Index) scoped(ctx context.Context) context.Context {
	return vectorstore.WithScope(ctx, idx.scope)
}

func (idx *Index) acquire(ctx context.Context) error {
	select {
	case idx.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (idx *Index) release() {
	<-idx.writeSem
}

// Writer holds a session's write lock for one index operation.
type Writer struct {
	idx    *Index
	ctx    context.Context
	cancel context.CancelFunc
	done   bool
}

// BeginWrite takes the write lock. The returned Writer's Context is
// cancelled if the session is cleared, so provider calls made with it stop
// early. Release must be called.
func (idx *Index) BeginWrite(ctx context.Context) (*Writer, error) {
	if err := idx.acquire(ctx); err != nil {
		return nil, err
	}

	idx.stateMu.RLock()
	closed := idx.closed
	idx.stateMu.RUnlock()
	if closed {
		idx.release()
		return nil, ErrSessionClosed
	}

	opCtx, cancel := context.WithCancel(ctx)
	idx.opMu.Lock()
	idx.opCancel = cancel
	idx.opMu.Unlock()
	idx.touch()
	return &Writer{idx: idx, ctx: opCtx, cancel: cancel}, nil
}

// Context is cancelled when the session is cleared.
func (w *Writer) Context() context.Context { return w.ctx }

// Err reports ErrCancelled once a clear has been requested.
func (w *Writer) Err() error {
	if w.idx.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

// Commit atomically replaces the listed documents' chunks. Readers see
// either none or all of the batch. It returns the number of chunks added.
func (w *Writer) Commit(ctx context.Context, docs []DocumentChunks) (int, error) {
	if err := w.Err(); err != nil {
		return 0, err
	}

	var records []vectorstore.Record
	for _, d := range docs {
		records = append(records, d.Records...)
	}
	if len(records) == 0 {
		return 0, nil
	}
	dim := len(records[0].Vector)
	for _, r := range records {
		if len(r.Vector) != dim {
			return 0, fmt.Errorf("%w: batch mixes %d and %d", ErrDimensionMismatch, dim, len(r.Vector))
		}
	}

	idx := w.idx
	idx.stateMu.Lock()
	defer idx.stateMu.Unlock()
	start := time.Now()
	defer func() { CommitDuration.Observe(time.Since(start).Seconds()) }()

	if idx.closed {
		return 0, ErrSessionClosed
	}
	if idx.dim != 0 && idx.dim != dim {
		return 0, fmt.Errorf("%w: session has %d, batch has %d", ErrDimensionMismatch, idx.dim, dim)
	}

	sctx := idx.scoped(ctx)
	if !idx.committed {
		// A persistent store may hold a previous session's data under the
		// same scope.
		if err := idx.store.Clear(sctx); err != nil {
			return 0, fmt.Errorf("resetting session store: %w", err)
		}
	}

	if err := idx.store.Add(sctx, records); err != nil {
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		if derr := idx.store.Delete(sctx, ids); derr != nil {
			idx.logger.Warn(ctx, "rollback after failed add incomplete", zap.Error(derr))
		}
		return 0, fmt.Errorf("adding records: %w", err)
	}

	var stale []string
	for _, d := range docs {
		if old, ok := idx.catalog[d.Name]; ok {
			stale = append(stale, old.ids...)
		}
	}
	if len(stale) > 0 {
		if err := idx.store.Delete(sctx, stale); err != nil {
			idx.logger.Warn(ctx, "removing replaced chunks failed", zap.Int("chunks", len(stale)), zap.Error(err))
		}
		idx.lex.Remove(stale...)
		idx.chunks -= len(stale)
	}

	for _, d := range docs {
		ids := make([]string, len(d.Records))
		for i, r := range d.Records {
			ids[i] = r.ID
			idx.lex.Add(r.ID, r.Content)
		}
		idx.catalog[d.Name] = catalogEntry{group: d.Group, ids: ids}
		idx.chunks += len(ids)
	}
	idx.dim = dim
	idx.committed = true

	idx.logger.Debug(ctx, "committed batch",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(records)),
		zap.Int("replaced", len(stale)))
	return len(records), nil
}

// Release drops the write lock. It is safe to call more than once.
func (w *Writer) Release() {
	if w.done {
		return
	}
	w.done = true
	w.cancel()
	w.idx.opMu.Lock()
	w.idx.opCancel = nil
	w.idx.opMu.Unlock()
	w.idx.release()
}

// Retrieve runs hybrid retrieval under the shared state lock.
func (idx *Index) Retrieve(ctx context.Context, req retriever.Request) ([]retriever.Result, error) {
	idx.touch()
	idx.stateMu.RLock()
	defer idx.stateMu.RUnlock()

	if idx.closed {
		return nil, ErrSessionClosed
	}
	if idx.chunks == 0 {
		return []retriever.Result{}, nil
	}
	return idx.ret.Retrieve(idx.scoped(ctx), req)
}

// Status reports the committed state.
func (idx *Index) Status() (Status, error) {
	idx.touch()
	idx.stateMu.RLock()
	defer idx.stateMu.RUnlock()

	if idx.closed {
		return Status{}, ErrSessionClosed
	}
	docs := make([]string, 0, len(idx.catalog))
	for name := range idx.catalog {
		docs = append(docs, name)
	}
	sort.Strings(docs)
	return Status{ChunkCount: idx.chunks, Documents: docs, Dimension: idx.dim}, nil
}

// destroy cancels any writer, waits for it, then removes everything the
// session holds. remove runs while both locks are held.
func (idx *Index) destroy(ctx context.Context, remove func()) error {
	idx.cancelled.Store(true)
	idx.opMu.Lock()
	if idx.opCancel != nil {
		idx.opCancel()
	}
	idx.opMu.Unlock()

	if err := idx.acquire(ctx); err != nil {
		idx.cancelled.Store(false)
		return fmt.Errorf("waiting for in-flight index operation: %w", err)
	}
	defer idx.release()

	if err := idx.destroyLocked(ctx, remove); err != nil {
		idx.cancelled.Store(false)
		return err
	}
	return nil
}

// destroyIfIdle destroys the session only if no writer holds it and it has
// not been used since cutoff.
func (idx *Index) destroyIfIdle(ctx context.Context, cutoff time.Time, remove func()) (bool, error) {
	select {
	case idx.writeSem <- struct{}{}:
	default:
		return false, nil
	}
	defer idx.release()

	if !idx.LastAccess().Before(cutoff) {
		return false, nil
	}
	idx.cancelled.Store(true)
	if err := idx.destroyLocked(ctx, remove); err != nil {
		idx.cancelled.Store(false)
		return false, err
	}
	return true, nil
}

// destroyLocked requires the write lock.
func (idx *Index) destroyLocked(ctx context.Context, remove func()) error {
	idx.stateMu.Lock()
	defer idx.stateMu.Unlock()
	if idx.closed {
		return ErrSessionClosed
	}

	// Drop the store even if nothing was committed: the scope may hold
	// leftovers from an earlier process.
	if err := idx.store.Clear(idx.scoped(ctx)); err != nil {
		return fmt.Errorf("clearing session store: %w", err)
	}
	idx.lex.Reset()
	idx.catalog = make(map[string]catalogEntry)
	idx.chunks = 0
	idx.dim = 0
	idx.closed = true
	remove()
	return nil
}
