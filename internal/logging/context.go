package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type sessionCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

type sessionRef struct {
	user    string
	session string
}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if ref, ok := ctx.Value(sessionCtxKey{}).(sessionRef); ok {
		fields = append(fields,
			zap.String("user_id", ref.user),
			zap.String("session_id", ref.session),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	return fields
}

// WithSession attaches the (user, session) pair to ctx.
func WithSession(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionRef{user: userID, session: sessionID})
}

// SessionFromContext returns the (user, session) pair attached to ctx.
func SessionFromContext(ctx context.Context) (userID, sessionID string, ok bool) {
	ref, ok := ctx.Value(sessionCtxKey{}).(sessionRef)
	return ref.user, ref.session, ok
}

// WithRequestID attaches a request id to ctx. Empty ids are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request id from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
