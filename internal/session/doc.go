// Package session keeps one isolated index per (user, session) pair.
//
// # Locking
//
// The Registry mutex guards only its map. Each Index has:
//
//   - a write lock serializing index operations for the whole operation,
//     embedding calls included;
//   - a state RWMutex held exclusively only while a batch is committed and
//     shared by readers, so readers see either the state before a commit or
//     the state after it;
//   - a cancellation flag, set by Clear, that writers check between
//     documents and before committing.
//
// Lock order is write lock, then state lock, then registry mutex. Provider
// calls never run while the state lock is held.
package session
