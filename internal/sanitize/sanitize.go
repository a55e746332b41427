// Package sanitize validates caller-supplied identifiers and derives vector
// store collection names from them.
//
// Collection names in vector stores (Qdrant, chromem) must match ^[a-z0-9_]{1,64}$.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the maximum length of a collection name.
	MaxIdentifierLength = 64

	// hashLength is the number of hex characters of the key hash appended to
	// every collection name.
	hashLength = 12

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"

	collectionPrefix = "rag_"
)

// Identifier lowercases s, replaces characters outside [a-z0-9_] with
// underscores, collapses repeated underscores and trims them at both ends.
//
//	"Alice@Example.com" -> "alice_example_com"
//	"" or "!!!"         -> "default"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return DefaultIdentifier
	}
	return out
}

// CollectionName derives the collection that holds one (user, session) index.
//
// The readable part is lossy ("a.b" and "a_b" sanitize the same), so a hash of
// the exact pair is always appended. Distinct pairs therefore map to distinct
// collections and the result never exceeds MaxIdentifierLength.
//
//	CollectionName("alice", "s1") -> "rag_alice_s1_<12 hex>"
func CollectionName(user, session string) string {
	sum := sha256.Sum256([]byte(user + "\x00" + session))
	suffix := "_" + hex.EncodeToString(sum[:])[:hashLength]

	readable := collectionPrefix + Identifier(user) + "_" + Identifier(session)
	if max := MaxIdentifierLength - len(suffix); len(readable) > max {
		readable = strings.TrimRight(readable[:max], "_")
	}
	return readable + suffix
}
