package lexical

import "sync"

// Index maps chunk ids to their token sets. It is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	chunks map[string]map[string]struct{}
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{chunks: make(map[string]map[string]struct{})}
}

// Add tokenizes text and stores its token set under id, replacing any
// previous entry.
func (x *Index) Add(id, text string) {
	tokens := Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}

	x.mu.Lock()
	x.chunks[id] = set
	x.mu.Unlock()
}

// Remove deletes the given chunk ids.
func (x *Index) Remove(ids ...string) {
	x.mu.Lock()
	for _, id := range ids {
		delete(x.chunks, id)
	}
	x.mu.Unlock()
}

// Reset drops every entry.
func (x *Index) Reset() {
	x.mu.Lock()
	x.chunks = make(map[string]map[string]struct{})
	x.mu.Unlock()
}

// Score returns |q ∩ c| / |q| for the distinct query tokens q and the token
// set c of chunk id. It is 0 for an empty query or an unknown chunk.
func (x *Index) Score(queryTokens []string, id string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	x.mu.RLock()
	set, ok := x.chunks[id]
	x.mu.RUnlock()
	if !ok {
		return 0
	}

	return Overlap(queryTokens, set)
}

// Overlap computes the share of distinct query tokens present in set.
func Overlap(queryTokens []string, set map[string]struct{}) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(queryTokens))
	matched := 0
	for _, t := range queryTokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(seen))
}
