package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/sessionrag/internal/rag"
)

type documentInput struct {
	Name    string `json:"name" jsonschema:"Document name, unique within the session"`
	Group   string `json:"group,omitempty" jsonschema:"Optional group label used for filtering"`
	Format  string `json:"format,omitempty" jsonschema:"csv, tsv or text; inferred from the name when empty"`
	Content string `json:"content" jsonschema:"Raw document content"`
}

type indexInput struct {
	User      string          `json:"user" jsonschema:"User identifier"`
	Session   string          `json:"session" jsonschema:"Session identifier"`
	Documents []documentInput `json:"documents" jsonschema:"Documents to index"`
}

type queryInput struct {
	User      string   `json:"user" jsonschema:"User identifier"`
	Session   string   `json:"session" jsonschema:"Session identifier"`
	Query     string   `json:"query" jsonschema:"Question to answer from the session's documents"`
	TopK      int      `json:"top_k,omitempty" jsonschema:"Number of chunks to retrieve (default 5)"`
	Groups    []string `json:"groups,omitempty" jsonschema:"Only use documents in these groups"`
	Documents []string `json:"documents,omitempty" jsonschema:"Only use these documents"`
}

type sessionInput struct {
	User    string `json:"user" jsonschema:"User identifier"`
	Session string `json:"session" jsonschema:"Session identifier"`
}

type sessionsInput struct{}

type sessionsOutput struct {
	Sessions []string `json:"sessions"`
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	addTool(s, &mcp.Tool{
		Name:        "rag_index",
		Description: "Index documents into a session. Re-indexing a document name replaces it.",
	}, s.index)

	addTool(s, &mcp.Tool{
		Name:        "rag_query",
		Description: "Answer a question from a session's documents, citing evidence as [doc:i] markers that index the returned sources.",
	}, s.query)

	addTool(s, &mcp.Tool{
		Name:        "rag_status",
		Description: "Report whether a session has indexed documents, and which.",
	}, s.status)

	addTool(s, &mcp.Tool{
		Name:        "rag_clear",
		Description: "Delete a session and everything indexed for it.",
	}, s.clear)

	addTool(s, &mcp.Tool{
		Name:        "rag_sessions",
		Description: "List active sessions as user/session keys.",
	}, s.sessions)
}

func (s *Server) index(ctx context.Context, in indexInput) (rag.IndexResult, string, error) {
	docs := make([]rag.Document, len(in.Documents))
	for i, d := range in.Documents {
		docs[i] = rag.Document{Name: d.Name, Group: d.Group, Format: d.Format, Content: d.Content}
	}
	res, err := s.svc.Index(ctx, rag.IndexRequest{User: in.User, Session: in.Session, Documents: docs})
	if err != nil {
		return rag.IndexResult{}, "", err
	}
	text := fmt.Sprintf("Indexed %d chunks", res.IndexedChunks)
	if n := len(res.Errors); n > 0 {
		text += fmt.Sprintf("; %d documents skipped", n)
	}
	if n := len(res.Warnings); n > 0 {
		text += fmt.Sprintf("; %d documents partially indexed", n)
	}
	return *res, text, nil
}

func (s *Server) query(ctx context.Context, in queryInput) (rag.QueryResult, string, error) {
	res, err := s.svc.Query(ctx, rag.QueryRequest{
		User:      in.User,
		Session:   in.Session,
		Text:      in.Query,
		TopK:      in.TopK,
		Groups:    in.Groups,
		Documents: in.Documents,
	})
	if err != nil {
		return rag.QueryResult{}, "", err
	}
	return *res, res.Answer, nil
}

func (s *Server) status(ctx context.Context, in sessionInput) (rag.StatusResult, string, error) {
	res, err := s.svc.Status(ctx, in.User, in.Session)
	if err != nil {
		return rag.StatusResult{}, "", err
	}
	if !res.Indexed {
		return res, "Session has no indexed documents", nil
	}
	return res, fmt.Sprintf("%d chunks from %d documents", res.ChunkCount, len(res.Documents)), nil
}

func (s *Server) clear(ctx context.Context, in sessionInput) (rag.ClearResult, string, error) {
	res, err := s.svc.Clear(ctx, in.User, in.Session)
	if err != nil {
		return rag.ClearResult{}, "", err
	}
	if !res.Cleared {
		return res, "Session did not exist", nil
	}
	return res, "Session cleared", nil
}

func (s *Server) sessions(_ context.Context, _ sessionsInput) (sessionsOutput, string, error) {
	keys := s.svc.ListActiveSessions()
	if keys == nil {
		keys = []string{}
	}
	return sessionsOutput{Sessions: keys}, fmt.Sprintf("%d active sessions", len(keys)), nil
}
