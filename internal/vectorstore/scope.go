package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/sessionrag/internal/sanitize"
)

var (
	// ErrMissingScope is returned when an operation runs without a Scope in
	// its context. Operations fail rather than run unscoped.
	ErrMissingScope = errors.New("vector store scope missing from context")

	// ErrInvalidScope is returned for a scope with malformed ids.
	ErrInvalidScope = errors.New("invalid vector store scope")
)

type scopeContextKey struct{}

// Scope identifies the (user, session) an operation belongs to.
type Scope struct {
	User    string
	Session string
}

// Validate checks both ids.
func (s Scope) Validate() error {
	if err := sanitize.ValidateID("user", s.User); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	if err := sanitize.ValidateID("session", s.Session); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	return nil
}

// Collection returns the backend collection holding this scope.
func (s Scope) Collection() string {
	return sanitize.CollectionName(s.User, s.Session)
}

// apply overwrites the scope fields of m.
func (s Scope) apply(m Metadata) Metadata {
	m.User = s.User
	m.Session = s.Session
	return m
}

// WithScope returns a context carrying scope.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext extracts and validates the scope carried by ctx.
func ScopeFromContext(ctx context.Context) (Scope, error) {
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok {
		return Scope{}, ErrMissingScope
	}
	if err := scope.Validate(); err != nil {
		return Scope{}, err
	}
	return scope, nil
}
