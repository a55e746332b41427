package chunker

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Format identifies how a document's content is parsed.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatText Format = "text"
)

// InferFormat guesses the format from a document name's extension.
func InferFormat(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV
	case ".tsv", ".tab":
		return FormatTSV
	default:
		return FormatText
	}
}

// Document is raw content submitted for indexing.
type Document struct {
	Name    string
	Group   string
	Format  Format
	Content string
}

// Chunk is a bounded contiguous slice of a rendered document.
type Chunk struct {
	// Index is the position of the chunk within its document, from 0.
	Index    int
	Content  string
	Document string
	Group    string
	// RowStart and RowEnd are the inclusive row range covered. For tabular
	// documents the header is row 0 and data rows start at 1; for text
	// documents lines are numbered from 1.
	RowStart int
	RowEnd   int
	// Columns are the header names kept when rendering a tabular document.
	Columns []string
}

// Options bound chunk sizes. Sizes are measured in bytes of UTF-8 text.
type Options struct {
	TargetChars  int
	MaxChars     int
	MaxColumns   int
	MaxCellChars int
}

// DefaultOptions returns the default chunking bounds.
func DefaultOptions() Options {
	return Options{
		TargetChars:  10000,
		MaxChars:     14000,
		MaxColumns:   50,
		MaxCellChars: 500,
	}
}

// Validate checks that the bounds are usable.
func (o Options) Validate() error {
	if o.TargetChars <= 0 {
		return errors.New("chunker: target size must be > 0")
	}
	if o.MaxChars < o.TargetChars {
		return fmt.Errorf("chunker: max size %d is below target size %d", o.MaxChars, o.TargetChars)
	}
	if o.MaxColumns <= 0 || o.MaxCellChars <= 0 {
		return errors.New("chunker: column and cell limits must be > 0")
	}
	return nil
}

// ErrUnparseable is wrapped by IndexingError when content cannot be parsed.
var ErrUnparseable = errors.New("unparseable document")

// IndexingError reports why one document could not be chunked. It never
// affects other documents in the same batch.
type IndexingError struct {
	Document string
	Reason   string
	Err      error
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("indexing %q: %s", e.Document, e.Reason)
}

func (e *IndexingError) Unwrap() error {
	return e.Err
}

func indexingError(doc, reason string, err error) *IndexingError {
	if err == nil {
		err = ErrUnparseable
	}
	return &IndexingError{Document: doc, Reason: reason, Err: err}
}
