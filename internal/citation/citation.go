// Package citation checks that an answer cites only evidence it was given.
//
// A citation token has the form [type:index], for example [doc:3]. The set
// of allowed citations is fixed by the context the answer was generated
// from; any other token in the answer is invalid. Validation is purely
// syntactic: it does not judge whether the cited text supports the claim.
package citation

import (
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\[([a-z][a-z0-9_-]*):(\d+)\]`)

// Citation is a parsed [type:index] token.
type Citation struct {
	Type string
	// Index is -1 when the digits overflow an int.
	Index int
}

// Doc returns the document citation for position i.
func Doc(i int) Citation {
	return Citation{Type: "doc", Index: i}
}

// String renders the citation as it appears in text.
func (c Citation) String() string {
	return "[" + c.Type + ":" + strconv.Itoa(c.Index) + "]"
}

func parse(match []string) Citation {
	idx, err := strconv.Atoi(match[2])
	if err != nil {
		idx = -1
	}
	return Citation{Type: match[1], Index: idx}
}

// Extract returns every citation token in answer, in order of appearance.
func Extract(answer string) []Citation {
	matches := tokenPattern.FindAllStringSubmatch(answer, -1)
	out := make([]Citation, 0, len(matches))
	for _, m := range matches {
		out = append(out, parse(m))
	}
	return out
}

// Invalid returns the citations in used that are not in allowed, ordered by
// first appearance and without duplicates.
func Invalid(used, allowed []Citation) []Citation {
	ok := make(map[Citation]struct{}, len(allowed))
	for _, c := range allowed {
		ok[c] = struct{}{}
	}
	seen := make(map[Citation]struct{})
	var out []Citation
	for _, c := range used {
		if _, allowed := ok[c]; allowed {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Strip removes every token of the invalid citations from answer, each
// with at most one adjacent space or tab. All other text is left as is.
func Strip(answer string, invalid []Citation) string {
	if len(invalid) == 0 {
		return answer
	}
	drop := make(map[Citation]struct{}, len(invalid))
	for _, c := range invalid {
		drop[c] = struct{}{}
	}

	var b strings.Builder
	b.Grow(len(answer))
	last := 0
	for _, m := range tokenPattern.FindAllStringSubmatchIndex(answer, -1) {
		c := parse([]string{answer[m[0]:m[1]], answer[m[2]:m[3]], answer[m[4]:m[5]]})
		if _, ok := drop[c]; !ok {
			continue
		}
		start, end := m[0], m[1]
		switch {
		case start > last && isBlank(answer[start-1]):
			start--
		case end < len(answer) && isBlank(answer[end]):
			end++
		}
		b.WriteString(answer[last:start])
		last = end
	}
	b.WriteString(answer[last:])
	return b.String()
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}
