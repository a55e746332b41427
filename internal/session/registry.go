package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/retriever"
	"github.com/fyrsmithlabs/sessionrag/internal/vectorstore"
)

// ErrTooManySessions is returned when creating a session would exceed the
// configured limit.
var ErrTooManySessions = errors.New("too many active sessions")

// Options configure a Registry.
type Options struct {
	// IdleTTL expires sessions unused for this long. 0 disables expiry.
	IdleTTL time.Duration
	// SweepInterval is how often idle sessions are looked for.
	SweepInterval time.Duration
	// MaxSessions limits live sessions. 0 means unlimited.
	MaxSessions int
	// Retrieval configures each session's retriever.
	Retrieval retriever.Options
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Registry maps session keys to their indexes. It is created once and
// passed to whatever serves requests.
type Registry struct {
	store  vectorstore.Store
	opts   Options
	logger *logging.Logger

	mu       sync.Mutex
	sessions map[Key]*Index

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a Registry over store and starts the idle sweeper
// when IdleTTL is set.
func NewRegistry(store vectorstore.Store, opts Options, logger *logging.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if err := opts.Retrieval.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.IdleTTL > 0 && opts.SweepInterval <= 0 {
		return nil, fmt.Errorf("session: sweep interval must be > 0 when idle TTL is %s", opts.IdleTTL)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}

	r := &Registry{
		store:    store,
		opts:     opts,
		logger:   logger.Named("session"),
		sessions: make(map[Key]*Index),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if opts.IdleTTL > 0 {
		go r.sweep()
	} else {
		close(r.doneCh)
	}
	return r, nil
}

// GetOrCreate returns the session's index, creating it if needed.
func (r *Registry) GetOrCreate(key Key) (*Index, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.sessions[key]; ok {
		idx.touch()
		return idx, nil
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, r.opts.MaxSessions)
	}

	idx, err := newIndex(key, r.store, r.opts.Retrieval, r.opts.Clock, r.logger)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = idx
	ActiveSessions.Set(float64(len(r.sessions)))
	r.logger.Debug(context.Background(), "session created", zap.String("session", key.String()))
	return idx, nil
}

// Get returns the session's index if it exists.
func (r *Registry) Get(key Key) (*Index, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.sessions[key]
	if ok {
		idx.touch()
	}
	return idx, ok
}

// Clear destroys the session. It reports false, with no error, when the
// session did not exist.
func (r *Registry) Clear(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	idx, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := r.destroy(ctx, idx); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return false, nil
		}
		return false, err
	}
	ClearedTotal.WithLabelValues("clear").Inc()
	r.logger.Info(ctx, "session cleared", zap.String("session", key.String()))
	return true, nil
}

func (r *Registry) destroy(ctx context.Context, idx *Index) error {
	return idx.destroy(ctx, r.remover(idx))
}

// remover deletes idx's map entry unless a newer index replaced it.
func (r *Registry) remover(idx *Index) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.sessions[idx.key] == idx {
			delete(r.sessions, idx.key)
		}
		ActiveSessions.Set(float64(len(r.sessions)))
	}
}

// ListActive returns the keys of all live sessions, sorted.
func (r *Registry) ListActive() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].User != keys[j].User {
			return keys[i].User < keys[j].User
		}
		return keys[i].Session < keys[j].Session
	})
	return keys
}

// ExpireIdle destroys every session idle for longer than IdleTTL and returns
// how many were removed.
func (r *Registry) ExpireIdle(ctx context.Context) int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.opts.Clock().Add(-r.opts.IdleTTL)

	r.mu.Lock()
	var idle []*Index
	for _, idx := range r.sessions {
		if idx.LastAccess().Before(cutoff) {
			idle = append(idle, idx)
		}
	}
	r.mu.Unlock()

	expired := 0
	for _, idx := range idle {
		ok, err := idx.destroyIfIdle(ctx, cutoff, r.remover(idx))
		if err != nil {
			if !errors.Is(err, ErrSessionClosed) {
				r.logger.Warn(ctx, "expiring idle session failed",
					zap.String("session", idx.key.String()),
					zap.Error(err))
			}
			continue
		}
		if !ok {
			continue
		}
		expired++
		ClearedTotal.WithLabelValues("expired").Inc()
		r.logger.Info(ctx, "idle session expired",
			zap.String("session", idx.key.String()),
			zap.Time("last_access", idx.LastAccess()))
	}
	return expired
}

func (r *Registry) sweep() {
	defer close(r.doneCh)
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error(context.Background(), "session sweeper panicked",
				zap.Any("panic", v),
				zap.Stack("stack"))
		}
	}()

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			r.ExpireIdle(ctx)
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the sweeper. Session data stays in the store; the next
// process resets a scope before its first commit.
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
