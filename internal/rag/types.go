package rag

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/sessionrag/internal/sanitize"
)

// Fixed answers returned instead of a generated one.
const (
	// NotIndexedAnswer is returned when the session has nothing indexed.
	NotIndexedAnswer = "No documents have been indexed for this session yet. Upload documents before asking questions."

	// UnavailableAnswer is returned when the embedding or chat provider
	// could not be reached.
	UnavailableAnswer = "The answer service is temporarily unavailable. Please try again shortly."

	// NoEvidenceAnswer is returned when nothing matched the question.
	NoEvidenceAnswer = "No indexed content matched this question, so it cannot be answered from the uploaded documents."
)

// SnippetRunes bounds the length of a source snippet.
const SnippetRunes = 300

var (
	// ErrInvalidID is returned for a malformed user or session id.
	ErrInvalidID = sanitize.ErrInvalidID

	// ErrIndexCancelled is returned when the session was cleared while an
	// index operation was in flight. Nothing from that operation is kept.
	ErrIndexCancelled = errors.New("index operation cancelled: session was cleared")

	// ErrInvalidRequest is returned for malformed request fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEmptyQuery is returned for a blank question.
	ErrEmptyQuery = fmt.Errorf("%w: query text is empty", ErrInvalidRequest)
)

// Document is one document submitted for indexing.
type Document struct {
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
	// Format is csv, tsv or text. Empty infers it from the name.
	Format  string `json:"format,omitempty"`
	Content string `json:"content"`
}

// IndexRequest adds documents to a session.
type IndexRequest struct {
	User      string     `json:"user"`
	Session   string     `json:"session"`
	Documents []Document `json:"documents"`
}

// DocumentError explains why one document was not indexed.
type DocumentError struct {
	Document string `json:"document"`
	Reason   string `json:"reason"`
}

// DocumentWarning notes content left out of an indexed document.
type DocumentWarning struct {
	Document string `json:"document"`
	Message  string `json:"message"`
}

// IndexResult reports an index operation. Documents listed in Errors were
// skipped; the rest were indexed, some with Warnings.
type IndexResult struct {
	IndexedChunks int               `json:"indexed_chunks"`
	Errors        []DocumentError   `json:"errors,omitempty"`
	Warnings      []DocumentWarning `json:"warnings,omitempty"`
}

// QueryRequest asks a question against a session.
type QueryRequest struct {
	User    string `json:"user"`
	Session string `json:"session"`
	Text    string `json:"text"`
	// TopK is the number of chunks retrieved; 0 uses the configured value.
	TopK      int      `json:"top_k,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Documents []string `json:"documents,omitempty"`
}

// Source is one chunk the answer could cite. Sources are in marker order:
// Sources[i] backs [doc:i].
type Source struct {
	Document   string  `json:"document"`
	Group      string  `json:"group"`
	Snippet    string  `json:"snippet"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// QueryResult is an answer with its evidence.
type QueryResult struct {
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
	ValidCitations bool     `json:"valid_citations"`
}

// StatusResult describes a session.
type StatusResult struct {
	Indexed    bool     `json:"indexed"`
	ChunkCount int      `json:"chunk_count"`
	Documents  []string `json:"documents"`
}

// ClearResult reports whether a session existed and was removed.
type ClearResult struct {
	Cleared bool `json:"cleared"`
}
