// Package chunker renders tabular and text documents into line-oriented text
// and splits that text into bounded chunks that keep row provenance.
//
// Chunk contents always concatenate back to the rendered document. Chunks
// prefer to end on a row boundary at or after the target size and never
// exceed the maximum size unless a single rune is larger than it.
package chunker
