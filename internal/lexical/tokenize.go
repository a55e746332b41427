// Package lexical scores chunks by keyword overlap with a query.
//
// It is a cheap complement to embedding similarity: exact identifiers, codes
// and proper nouns that embeddings under-rank still score here.
package lexical

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultQueryTokenLimit caps how many distinct query tokens are scored.
const DefaultQueryTokenLimit = 80

var stopwords = map[string]struct{}{
	"the": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "from": {},
	"as": {}, "is": {}, "was": {}, "are": {}, "be": {}, "been": {}, "being": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {}, "will": {},
	"would": {}, "could": {}, "should": {}, "may": {}, "might": {}, "can": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "you": {}, "he": {},
	"she": {}, "it": {}, "we": {}, "they": {}, "what": {}, "which": {}, "who": {},
	"when": {}, "where": {}, "why": {}, "how": {}, "me": {}, "my": {}, "our": {},
	"your": {}, "its": {}, "their": {}, "there": {}, "than": {}, "then": {},
	"if": {}, "not": {}, "no": {}, "so": {}, "all": {}, "any": {}, "about": {},
	"into": {}, "over": {}, "per": {}, "via": {}, "please": {}, "show": {},
	"tell": {}, "give": {}, "list": {},
}

// Tokenize lowercases text, splits it on anything that is not a letter or a
// digit and drops stopwords and single-rune tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// QueryTokens returns the limit most frequent distinct tokens of query.
// Ties are broken alphabetically so the selection is deterministic.
func QueryTokens(query string, limit int) []string {
	if limit <= 0 {
		limit = DefaultQueryTokenLimit
	}

	freq := make(map[string]int)
	for _, tok := range Tokenize(query) {
		freq[tok]++
	}

	distinct := make([]string, 0, len(freq))
	for tok := range freq {
		distinct = append(distinct, tok)
	}
	sort.Slice(distinct, func(i, j int) bool {
		if freq[distinct[i]] != freq[distinct[j]] {
			return freq[distinct[i]] > freq[distinct[j]]
		}
		return distinct[i] < distinct[j]
	})

	if len(distinct) > limit {
		distinct = distinct[:limit]
	}
	return distinct
}
