package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/chunker"
	"github.com/fyrsmithlabs/sessionrag/internal/config"
	"github.com/fyrsmithlabs/sessionrag/internal/embeddings"
	"github.com/fyrsmithlabs/sessionrag/internal/generation"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/rag"
	"github.com/fyrsmithlabs/sessionrag/internal/retriever"
	"github.com/fyrsmithlabs/sessionrag/internal/secrets"
	"github.com/fyrsmithlabs/sessionrag/internal/session"
	"github.com/fyrsmithlabs/sessionrag/internal/telemetry"
	"github.com/fyrsmithlabs/sessionrag/internal/vectorstore"
)

// app holds everything a running process owns.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     vectorstore.Store
	embedder  *embeddings.Resilient
	registry  *session.Registry
	service   *rag.Service
}

// newApp loads configuration and builds the engine. stdio moves log output
// to stderr, since stdout carries the MCP protocol.
//
// Initialization order:
//  1. Configuration, logger and telemetry
//  2. Vector store and embedding provider
//  3. Secret redactor, chat model and generator
//  4. Session registry and RAG service
func newApp(ctx context.Context, path string, stdio bool) (a *app, err error) {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	telCfg.ServiceVersion = version
	if err := cfg.Unmarshal("telemetry", telCfg); err != nil {
		return nil, err
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Unmarshal("logging", logCfg); err != nil {
		return nil, err
	}
	if stdio {
		logCfg.Output.Stderr = logCfg.Output.Stderr || logCfg.Output.Stdout
		logCfg.Output.Stdout = false
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a = &app{cfg: cfg, logger: logger, telemetry: tel}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if health := tel.Health(); health.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", health.Reasons))
	}

	store, err := vectorstore.NewStore(cfg.VectorStore, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing vector store: %w", err)
	}
	a.store = store

	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		CacheDir:  cfg.Embeddings.CacheDir,
		BatchSize: cfg.Embeddings.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing embedding provider: %w", err)
	}
	a.embedder, err = embeddings.NewResilient(provider, embeddings.ResilientConfig{
		Model:       cfg.Embeddings.Model,
		BatchSize:   cfg.Embeddings.BatchSize,
		Timeout:     cfg.Embeddings.Timeout.Duration(),
		MaxAttempts: cfg.Embeddings.MaxAttempts,
		Backoff:     cfg.Embeddings.Backoff.Duration(),
		CacheSize:   cfg.Embeddings.CacheSize,
	},
		embeddings.WithLogger(logger.Named("embeddings")),
		embeddings.WithMetrics(embeddings.NewMetrics(logger.Underlying())),
	)
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("initializing embeddings: %w", err)
	}

	redactor, err := secrets.New(secrets.Options{
		Enabled:       cfg.Redaction.Enabled,
		AllowlistFile: cfg.Redaction.AllowlistFile,
	}, logger.Named("secrets"))
	if err != nil {
		return nil, fmt.Errorf("initializing redactor: %w", err)
	}

	model, err := generation.NewChatModel(generation.ProviderConfig{
		Provider: cfg.Generation.Provider,
		Model:    cfg.Generation.Model,
		BaseURL:  cfg.Generation.BaseURL,
		APIKey:   cfg.Generation.APIKey.Value(),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing chat model: %w", err)
	}
	genOpts := generation.DefaultOptions()
	genOpts.Temperature = cfg.Generation.Temperature
	genOpts.MaxTokens = cfg.Generation.MaxTokens
	genOpts.Timeout = cfg.Generation.Timeout.Duration()
	genOpts.MaxAttempts = cfg.Generation.MaxAttempts
	genOpts.RateLimit = cfg.Generation.RateLimit
	genOpts.Burst = cfg.Generation.Burst
	generator, err := generation.New(model, genOpts, redactor, logger.Named("generation"))
	if err != nil {
		return nil, fmt.Errorf("initializing generator: %w", err)
	}

	a.registry, err = session.NewRegistry(a.store, session.Options{
		IdleTTL:       cfg.Session.IdleTTL.Duration(),
		SweepInterval: cfg.Session.SweepInterval.Duration(),
		MaxSessions:   cfg.Session.MaxSessions,
		Retrieval: retriever.Options{
			Weights: retriever.Weights{
				Alpha: cfg.Retrieval.Alpha,
				Beta:  cfg.Retrieval.Beta,
			},
			TopK:                cfg.Retrieval.TopK,
			MaxTopK:             cfg.Retrieval.MaxTopK,
			CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
			QueryTokenLimit:     cfg.Retrieval.QueryTokenLimit,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing session registry: %w", err)
	}

	a.service, err = rag.NewService(a.registry, a.embedder, generator, rag.Config{
		Chunking: chunker.Options{
			TargetChars:  cfg.Chunking.TargetChars,
			MaxChars:     cfg.Chunking.MaxChars,
			MaxColumns:   cfg.Chunking.MaxColumns,
			MaxCellChars: cfg.Chunking.MaxCellChars,
		},
		MaxContextChars:  cfg.Generation.MaxContextChars,
		IndexParallelism: cfg.Workers.IndexParallelism,
		MaxRepairs:       cfg.Generation.MaxRepairs,
		MaxTopK:          cfg.Retrieval.MaxTopK,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing rag service: %w", err)
	}

	logger.Info(ctx, "sessionrag initialized",
		zap.String("version", version),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("embedding_model", cfg.Embeddings.Model),
		zap.String("generation", cfg.Generation.Provider),
		zap.Bool("redaction", redactor.Enabled()))
	return a, nil
}

// Close releases resources in reverse order of creation. It is safe on a
// partially built app.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session registry: %w", err))
		}
	}
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embeddings: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector store: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
