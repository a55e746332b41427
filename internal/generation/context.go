package generation

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/sessionrag/internal/citation"
	"github.com/fyrsmithlabs/sessionrag/internal/retriever"
)

// Block is one piece of evidence placed in the prompt.
type Block struct {
	Marker citation.Citation
	Result retriever.Result
}

// Context is the evidence handed to the model.
type Context struct {
	Text   string
	Blocks []Block
	// Skipped counts results left out because they did not fit.
	Skipped int
}

// Allowed returns the citations the answer may use.
func (c Context) Allowed() []citation.Citation {
	out := make([]citation.Citation, len(c.Blocks))
	for i, b := range c.Blocks {
		out[i] = b.Marker
	}
	return out
}

// Empty reports whether no evidence fit.
func (c Context) Empty() bool {
	return len(c.Blocks) == 0
}

func renderBlock(marker citation.Citation, r retriever.Result) string {
	md := r.Metadata
	return fmt.Sprintf("%s (document: %s, group: %s, rows %d-%d)\n%s\n\n",
		marker, md.Document, md.Group, md.RowStart, md.RowEnd, r.Content)
}

// BuildContext places results in rank order until maxChars bytes are used.
// A block that does not fit is skipped and later, smaller blocks may still
// be placed. Markers number placed blocks from 0.
func BuildContext(results []retriever.Result, maxChars int) Context {
	var (
		sb  strings.Builder
		ctx Context
	)
	remaining := maxChars
	for _, r := range results {
		marker := citation.Doc(len(ctx.Blocks))
		block := renderBlock(marker, r)
		if len(block) > remaining {
			ctx.Skipped++
			continue
		}
		sb.WriteString(block)
		remaining -= len(block)
		ctx.Blocks = append(ctx.Blocks, Block{Marker: marker, Result: r})
	}
	ctx.Text = sb.String()
	return ctx
}
