// Package config provides configuration loading for sessionrag.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the sessionrag configuration.
//
// Logging and telemetry sections are decoded by their own packages through
// Unmarshal so that those packages can depend on this one for Duration and
// Secret without an import cycle.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Chunking    ChunkingConfig    `koanf:"chunking"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Generation  GenerationConfig  `koanf:"generation"`
	Session     SessionConfig     `koanf:"session"`
	Workers     WorkersConfig     `koanf:"workers"`
	Redaction   RedactionConfig   `koanf:"redaction"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	MaxBody         string   `koanf:"max_body"`
}

// ChunkingConfig controls how documents are split.
type ChunkingConfig struct {
	TargetChars  int `koanf:"target_chars"`
	MaxChars     int `koanf:"max_chars"`
	MaxColumns   int `koanf:"max_columns"`
	MaxCellChars int `koanf:"max_cell_chars"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint, including TEI) or "fastembed".
	Provider    string   `koanf:"provider"`
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	CacheDir    string   `koanf:"cache_dir"`
	BatchSize   int      `koanf:"batch_size"`
	Timeout     Duration `koanf:"timeout"`
	MaxAttempts int      `koanf:"max_attempts"`
	Backoff     Duration `koanf:"backoff"`
	CacheSize   int      `koanf:"cache_size"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go store.
// An empty Path keeps all collections in memory.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC store.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// RetrievalConfig controls hybrid retrieval.
type RetrievalConfig struct {
	TopK                int     `koanf:"top_k"`
	MaxTopK             int     `koanf:"max_top_k"`
	Alpha               float64 `koanf:"alpha"`
	Beta                float64 `koanf:"beta"`
	CandidateMultiplier int     `koanf:"candidate_multiplier"`
	QueryTokenLimit     int     `koanf:"query_token_limit"`
}

// GenerationConfig holds chat model configuration.
type GenerationConfig struct {
	// Provider is "openai", "anthropic" or "ollama".
	Provider        string   `koanf:"provider"`
	Model           string   `koanf:"model"`
	BaseURL         string   `koanf:"base_url"`
	APIKey          Secret   `koanf:"api_key"`
	Temperature     float64  `koanf:"temperature"`
	MaxTokens       int      `koanf:"max_tokens"`
	MaxContextChars int      `koanf:"max_context_chars"`
	Timeout         Duration `koanf:"timeout"`
	MaxAttempts     int      `koanf:"max_attempts"`
	MaxRepairs      int      `koanf:"max_repairs"`
	RateLimit       float64  `koanf:"rate_limit"`
	Burst           int      `koanf:"burst"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	IdleTTL       Duration `koanf:"idle_ttl"`
	SweepInterval Duration `koanf:"sweep_interval"`
	MaxSessions   int      `koanf:"max_sessions"`
}

// WorkersConfig bounds per-request parallelism.
type WorkersConfig struct {
	IndexParallelism int `koanf:"index_parallelism"`
}

// RedactionConfig controls secret redaction of outbound prompts.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistFile string `koanf:"allowlist_file"`
}

// Unmarshal decodes the section at path into out. Values already set in out
// are kept when the loaded configuration does not mention them.
func (c *Config) Unmarshal(path string, out interface{}) error {
	if c.k == nil {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	ch := c.Chunking
	if ch.TargetChars <= 0 {
		errs = append(errs, errors.New("chunking.target_chars must be > 0"))
	}
	if ch.MaxChars < ch.TargetChars {
		errs = append(errs, fmt.Errorf("chunking.max_chars (%d) must be >= target_chars (%d)", ch.MaxChars, ch.TargetChars))
	}
	if ch.MaxColumns <= 0 || ch.MaxCellChars <= 0 {
		errs = append(errs, errors.New("chunking.max_columns and chunking.max_cell_chars must be > 0"))
	}

	switch c.Embeddings.Provider {
	case "openai", "fastembed":
	default:
		errs = append(errs, fmt.Errorf("unsupported embeddings.provider %q", c.Embeddings.Provider))
	}
	if c.Embeddings.BatchSize <= 0 {
		errs = append(errs, errors.New("embeddings.batch_size must be > 0"))
	}
	if c.Embeddings.MaxAttempts <= 0 {
		errs = append(errs, errors.New("embeddings.max_attempts must be > 0"))
	}

	switch c.VectorStore.Provider {
	case "chromem":
	case "qdrant":
		if c.VectorStore.Qdrant.Host == "" {
			errs = append(errs, errors.New("vectorstore.qdrant.host is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported vectorstore.provider %q", c.VectorStore.Provider))
	}

	r := c.Retrieval
	if r.TopK <= 0 {
		errs = append(errs, errors.New("retrieval.top_k must be > 0"))
	}
	if r.TopK > r.MaxTopK {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be <= retrieval.max_top_k (%d)", r.MaxTopK))
	}
	if r.CandidateMultiplier > 20 {
		errs = append(errs, errors.New("retrieval.candidate_multiplier must be <= 20"))
	}
	if r.Alpha < 0 || r.Beta < 0 || math.Abs(r.Alpha+r.Beta-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("retrieval.alpha + retrieval.beta must equal 1 (got %.4f + %.4f)", r.Alpha, r.Beta))
	}
	if r.CandidateMultiplier < 1 {
		errs = append(errs, errors.New("retrieval.candidate_multiplier must be >= 1"))
	}

	g := c.Generation
	switch g.Provider {
	case "openai", "anthropic", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unsupported generation.provider %q", g.Provider))
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature must be within [0,2], got %v", g.Temperature))
	}
	if g.MaxContextChars <= 0 {
		errs = append(errs, errors.New("generation.max_context_chars must be > 0"))
	}
	if g.MaxRepairs < 0 {
		errs = append(errs, errors.New("generation.max_repairs must be >= 0"))
	}

	if c.Session.IdleTTL > 0 && c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be > 0 when idle_ttl is set"))
	}
	if c.Workers.IndexParallelism <= 0 {
		errs = append(errs, errors.New("workers.index_parallelism must be > 0"))
	}

	return errors.Join(errs...)
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.MaxBody == "" {
		cfg.Server.MaxBody = "32M"
	}

	if cfg.Chunking.TargetChars == 0 {
		cfg.Chunking.TargetChars = 10000
	}
	if cfg.Chunking.MaxChars == 0 {
		cfg.Chunking.MaxChars = 14000
	}
	if cfg.Chunking.MaxColumns == 0 {
		cfg.Chunking.MaxColumns = 50
	}
	if cfg.Chunking.MaxCellChars == 0 {
		cfg.Chunking.MaxCellChars = 500
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8081/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 64
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}
	if cfg.Embeddings.MaxAttempts == 0 {
		cfg.Embeddings.MaxAttempts = 3
	}
	if cfg.Embeddings.Backoff == 0 {
		cfg.Embeddings.Backoff = Duration(500 * time.Millisecond)
	}
	if cfg.Embeddings.CacheSize == 0 {
		cfg.Embeddings.CacheSize = 1024
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = 100
	}
	if cfg.Retrieval.Alpha == 0 && cfg.Retrieval.Beta == 0 {
		cfg.Retrieval.Alpha = 0.70
		cfg.Retrieval.Beta = 0.30
	}
	if cfg.Retrieval.CandidateMultiplier == 0 {
		cfg.Retrieval.CandidateMultiplier = 3
	}
	if cfg.Retrieval.QueryTokenLimit == 0 {
		cfg.Retrieval.QueryTokenLimit = 80
	}

	if cfg.Generation.Provider == "" {
		cfg.Generation.Provider = "openai"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gpt-4o-mini"
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = 1024
	}
	if cfg.Generation.MaxContextChars == 0 {
		cfg.Generation.MaxContextChars = 24000
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = Duration(60 * time.Second)
	}
	if cfg.Generation.MaxAttempts == 0 {
		cfg.Generation.MaxAttempts = 3
	}
	if cfg.Generation.RateLimit == 0 {
		cfg.Generation.RateLimit = 5
	}
	if cfg.Generation.Burst == 0 {
		cfg.Generation.Burst = 5
	}

	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = Duration(time.Minute)
	}

	if cfg.Workers.IndexParallelism == 0 {
		cfg.Workers.IndexParallelism = 4
	}
}
