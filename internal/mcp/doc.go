// Package mcp exposes the session RAG service as MCP tools over stdio.
//
// Tools map one to one onto service operations: rag_index, rag_query,
// rag_status, rag_clear and rag_sessions.
package mcp
