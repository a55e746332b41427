// Package embeddings turns text into vectors.
//
// Two providers are available: any OpenAI-compatible endpoint (OpenAI, TEI,
// vLLM, ...) through langchaingo, and local ONNX models through fastembed-go
// in cgo builds. Resilient wraps a provider with batching, per-batch timeouts,
// bounded exponential retry and a query embedding cache; callers see
// ErrEmbeddingUnavailable once retries are exhausted.
package embeddings
