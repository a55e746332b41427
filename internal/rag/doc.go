// Package rag answers questions over documents uploaded into isolated
// user sessions.
//
// Index renders, chunks and embeds documents, then commits them to the
// session's index in one step. Query embeds the question, retrieves a
// hybrid-ranked set of chunks, asks the chat model for an answer that cites
// them as [doc:i] markers and validates those markers before returning.
// Clear removes everything a session holds.
package rag
