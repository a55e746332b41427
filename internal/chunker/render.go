package chunker

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"
)

const cellSeparator = " | "

// Rendered is a document turned into newline-separated rows.
type Rendered struct {
	Text    string
	Columns []string
	// DroppedColumns counts header columns beyond the column limit.
	DroppedColumns int

	lineStarts []int
	rowBase    int
}

// Render parses doc and renders it as text. Tabular rows become one line
// each, cells joined by " | ". Text content is kept verbatim.
func Render(doc Document, opts Options) (*Rendered, error) {
	if !utf8.ValidString(doc.Content) {
		return nil, indexingError(doc.Name, "content is not valid UTF-8", nil)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, indexingError(doc.Name, "document is empty", nil)
	}

	format := doc.Format
	if format == "" {
		format = InferFormat(doc.Name)
	}

	var r *Rendered
	switch format {
	case FormatCSV:
		var err error
		if r, err = renderTable(doc, ',', opts); err != nil {
			return nil, err
		}
	case FormatTSV:
		var err error
		if r, err = renderTable(doc, '\t', opts); err != nil {
			return nil, err
		}
	case FormatText:
		r = &Rendered{Text: doc.Content, rowBase: 1}
	default:
		return nil, indexingError(doc.Name, fmt.Sprintf("unsupported format %q", format), nil)
	}

	r.lineStarts = lineStarts(r.Text)
	return r, nil
}

func renderTable(doc Document, comma rune, opts Options) (*Rendered, error) {
	reader := csv.NewReader(strings.NewReader(doc.Content))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var (
		b       strings.Builder
		columns []string
		dropped int
		rows    int
	)
	b.Grow(len(doc.Content))

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, indexingError(doc.Name, err.Error(), fmt.Errorf("%w: %v", ErrUnparseable, err))
		}

		if len(record) > opts.MaxColumns {
			if rows == 0 {
				dropped = len(record) - opts.MaxColumns
			}
			record = record[:opts.MaxColumns]
		}
		for i, cell := range record {
			if i > 0 {
				b.WriteString(cellSeparator)
			}
			b.WriteString(normalizeCell(cell, opts.MaxCellChars))
		}
		b.WriteByte('\n')

		if rows == 0 {
			columns = make([]string, len(record))
			for i, cell := range record {
				columns[i] = normalizeCell(cell, opts.MaxCellChars)
			}
		}
		rows++
	}

	if rows == 0 {
		return nil, indexingError(doc.Name, "table has no rows", nil)
	}
	return &Rendered{Text: b.String(), Columns: columns, DroppedColumns: dropped}, nil
}

// normalizeCell keeps a cell on one line and caps it at max runes.
func normalizeCell(cell string, max int) string {
	cell = strings.TrimSpace(cell)
	if strings.ContainsAny(cell, "\r\n") {
		cell = strings.Join(strings.Fields(cell), " ")
	}
	if utf8.RuneCountInString(cell) <= max {
		return cell
	}
	n := 0
	for i := range cell {
		if n == max {
			return cell[:i]
		}
		n++
	}
	return cell
}

// lineStarts returns the byte offset at which each line begins.
func lineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' && i+1 < len(text) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// rowAt returns the row number of the line containing byte offset off.
func (r *Rendered) rowAt(off int) int {
	line := sort.Search(len(r.lineStarts), func(i int) bool { return r.lineStarts[i] > off }) - 1
	return line + r.rowBase
}
