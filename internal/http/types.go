package http

import "github.com/fyrsmithlabs/sessionrag/internal/rag"

// IndexBody is the request body for POST /api/v1/sessions/:user/:session/documents.
type IndexBody struct {
	Documents []rag.Document `json:"documents"`
}

// QueryBody is the request body for POST /api/v1/sessions/:user/:session/query.
type QueryBody struct {
	Query     string   `json:"query"`
	TopK      int      `json:"top_k,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Documents []string `json:"documents,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions"`
}

// SessionsResponse is the response body for GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
