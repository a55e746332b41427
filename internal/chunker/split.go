package chunker

import (
	"strings"
	"unicode/utf8"
)

// Span is a half-open byte range [Start, End) of the rendered text.
type Span struct {
	Start int
	End   int
}

// SplitText cuts text into contiguous spans. Each cut is chosen as:
//
//  1. the rest of the text when it is no longer than target;
//  2. the first line boundary in [target, max];
//  3. the rest of the text when it is no longer than max;
//  4. the last line boundary before target;
//  5. max, moved back to a rune start.
//
// A line boundary is the offset just after a '\n'.
func SplitText(text string, target, max int) []Span {
	var spans []Span
	for pos := 0; pos < len(text); {
		end := nextCut(text, pos, target, max)
		spans = append(spans, Span{Start: pos, End: end})
		pos = end
	}
	return spans
}

func nextCut(text string, pos, target, max int) int {
	remaining := len(text) - pos
	if remaining <= target {
		return len(text)
	}

	hi := pos + max
	if hi > len(text) {
		hi = len(text)
	}
	if i := strings.IndexByte(text[pos+target-1:hi], '\n'); i >= 0 {
		return pos + target + i
	}
	if remaining <= max {
		return len(text)
	}
	if i := strings.LastIndexByte(text[pos:pos+target-1], '\n'); i >= 0 {
		return pos + i + 1
	}

	end := pos + max
	for end > pos && !utf8.RuneStart(text[end]) {
		end--
	}
	if end == pos {
		_, size := utf8.DecodeRuneInString(text[pos:])
		end = pos + size
	}
	return end
}

// Chunker turns documents into chunks.
type Chunker struct {
	opts Options
}

// New creates a Chunker after validating opts.
func New(opts Options) (*Chunker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{opts: opts}, nil
}

// Options returns the chunker's bounds.
func (c *Chunker) Options() Options {
	return c.opts
}

// Chunk renders and splits doc. Failures are returned as *IndexingError.
func (c *Chunker) Chunk(doc Document) ([]Chunk, error) {
	rendered, err := Render(doc, c.opts)
	if err != nil {
		return nil, err
	}
	return c.Split(doc, rendered), nil
}

// Split cuts a document already rendered with the chunker's options.
func (c *Chunker) Split(doc Document, rendered *Rendered) []Chunk {
	spans := SplitText(rendered.Text, c.opts.TargetChars, c.opts.MaxChars)
	chunks := make([]Chunk, 0, len(spans))
	for i, s := range spans {
		chunks = append(chunks, Chunk{
			Index:    i,
			Content:  rendered.Text[s.Start:s.End],
			Document: doc.Name,
			Group:    doc.Group,
			RowStart: rendered.rowAt(s.Start),
			RowEnd:   rendered.rowAt(s.End - 1),
			Columns:  rendered.Columns,
		})
	}
	return chunks
}
