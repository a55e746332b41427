package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/sessionrag/internal/config"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

// NewStore creates the Store selected by cfg.Provider:
//   - "chromem" (default): embedded, in memory unless a path is set
//   - "qdrant": external Qdrant server over gRPC
func NewStore(cfg config.VectorStoreConfig, logger *logging.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		}, logger)
	case "qdrant":
		return NewQdrantStore(QdrantConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			UseTLS: cfg.Qdrant.UseTLS,
			APIKey: cfg.Qdrant.APIKey.Value(),
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}
