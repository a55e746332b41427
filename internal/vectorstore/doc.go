// Package vectorstore stores chunk embeddings per (user, session) and answers
// nearest-neighbour queries inside that scope.
//
// # Isolation
//
// Every operation reads its Scope from the context and fails closed with
// ErrMissingScope when none is present. Each scope maps to its own
// collection (sanitize.CollectionName), and scope fields are also written
// into record metadata and injected into every query filter, so a record can
// only be returned to the scope that wrote it. Caller filters select only
// documents and groups, so they cannot widen the scope.
//
//	ctx = vectorstore.WithScope(ctx, vectorstore.Scope{User: "alice", Session: "s1"})
//	hits, err := store.Query(ctx, vector, 15, vectorstore.Filter{Groups: []string{"finance"}})
//
// # Providers
//
//   - chromem: embedded chromem-go, in memory or persisted to a directory.
//   - qdrant: external Qdrant over gRPC.
//
// Similarities are cosine similarities mapped onto [0,1] as (cos+1)/2.
// A query against a collection that has gone missing recreates it empty,
// logs a warning and returns no hits.
package vectorstore
