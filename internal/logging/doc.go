// Package logging wraps zap with context-aware methods for sessionrag.
//
// Every method takes a context so that trace ids, the (user, session) pair
// and the request id are attached to the entry without callers repeating
// them:
//
//	ctx = logging.WithSession(ctx, "alice", "s1")
//	logger.Info(ctx, "indexed documents", zap.Int("chunks", n))
//
// Output goes to stdout, to an OpenTelemetry log provider through the otelzap
// bridge, or both. Sensitive keys such as api_key are redacted by the
// encoder. Tests use NewTestLogger to observe entries in memory.
package logging
