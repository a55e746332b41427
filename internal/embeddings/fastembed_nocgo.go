//go:build !cgo

package embeddings

import (
	"context"
	"fmt"
)

// ErrFastEmbedNotAvailable is returned in binaries built without cgo, which
// cannot load the ONNX runtime.
var ErrFastEmbedNotAvailable = fmt.Errorf("%w: fastembed needs a cgo build; use the openai provider", ErrInvalidConfig)

// FastEmbedConfig mirrors the cgo build so configuration code compiles.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
	BatchSize int
}

// FastEmbedProvider cannot be constructed without cgo.
type FastEmbedProvider struct{}

// NewFastEmbedProvider always returns ErrFastEmbedNotAvailable.
func NewFastEmbedProvider(FastEmbedConfig) (*FastEmbedProvider, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) Dimension() int { return 0 }

func (*FastEmbedProvider) Close() error { return nil }
