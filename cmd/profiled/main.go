// Command profiled wires a profile-memory Facade from environment
// configuration and runs its ingestion worker until interrupted.
//
// Example:
//
//	STORAGE_BACKEND=postgres STORAGE_HOST=localhost \
//	LANGUAGE_MODEL_PROVIDER=anthropic LANGUAGE_MODEL_MODEL=claude-sonnet-4 \
//	EMBEDDER_PROVIDER=openai EMBEDDER_MODEL=text-embedding-3-small \
//	go run ./cmd/profiled --log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/memlattice/profilememory/pkg/embedder"
	"github.com/memlattice/profilememory/pkg/embedder/dummyembed"
	"github.com/memlattice/profilememory/pkg/embedder/fastembed"
	"github.com/memlattice/profilememory/pkg/embedder/ollamaembed"
	"github.com/memlattice/profilememory/pkg/embedder/openaiembed"
	"github.com/memlattice/profilememory/pkg/embedder/vertexembed"
	"github.com/memlattice/profilememory/pkg/llm"
	"github.com/memlattice/profilememory/pkg/llm/anthropicllm"
	"github.com/memlattice/profilememory/pkg/llm/dummyllm"
	"github.com/memlattice/profilememory/pkg/llm/geminillm"
	"github.com/memlattice/profilememory/pkg/llm/ollamallm"
	"github.com/memlattice/profilememory/pkg/llm/openaillm"
	"github.com/memlattice/profilememory/pkg/profile/facade"
	"github.com/memlattice/profilememory/pkg/profileconfig"
	"github.com/memlattice/profilememory/pkg/profilelog"
	"github.com/memlattice/profilememory/pkg/profilestore"
	"github.com/memlattice/profilememory/pkg/profilestore/memstore"
	mongostore "github.com/memlattice/profilememory/pkg/profilestore/mongo"
	pgstore "github.com/memlattice/profilememory/pkg/profilestore/postgres"
	qdrantstore "github.com/memlattice/profilememory/pkg/profilestore/qdrant"
)

func main() {
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	jsonLogs := flag.Bool("json-logs", false, "emit structured JSON log lines instead of console output")
	flag.Parse()

	logger := profilelog.Setup(*logLevel, *jsonLogs)

	cfg, err := profileconfig.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(*cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build storage backend")
	}

	lm, err := buildLanguageModel(ctx, *cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build language model")
	}

	em, err := buildEmbedder(ctx, *cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build embedder")
	}

	f, err := facade.New(store, lm, em, facade.Config{
		MaxCacheSize:           cfg.MaxCacheSize,
		UpdateInterval:         cfg.UpdateInterval,
		MessageLimit:           cfg.MessageLimit,
		TimeLimit:              cfg.TimeLimit,
		ConsolidationThreshold: cfg.ConsolidationThreshold,
		HistoryBatchSize:       cfg.HistoryBatchSize,
		MaxConcurrentUsers:     10,
		MaxConcurrentGroups:    4,
		MaxConcurrentSections:  4,
		MaxLLMAttempts:         3,
		MaxEmbedAttempts:       3,
		PromptModule:           cfg.PromptModule,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build facade")
	}

	if err := f.Startup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("startup")
	}
	logger.Info().
		Str("storage_backend", cfg.StorageBackend).
		Str("language_model_provider", cfg.LanguageModelProvider).
		Str("embedder_provider", cfg.EmbedderProvider).
		Msg("profile memory engine started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.UpdateInterval*5)
	defer cancel()
	if err := f.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func buildStore(cfg profileconfig.Config) (profilestore.Store, error) {
	switch cfg.StorageBackend {
	case "postgres":
		connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			cfg.StorageUser, cfg.StoragePassword, cfg.StorageHost, cfg.StoragePort, cfg.StorageDatabase)
		return pgstore.New(connString), nil
	case "mongo":
		uri := fmt.Sprintf("mongodb://%s:%s@%s:%s", cfg.StorageUser, cfg.StoragePassword, cfg.StorageHost, cfg.StoragePort)
		return mongostore.New(uri, cfg.StorageDatabase), nil
	case "qdrant":
		port := 6334
		fmt.Sscanf(cfg.StoragePort, "%d", &port)
		return qdrantstore.New(cfg.StorageHost, port, embeddingDimensions(cfg)), nil
	case "memory", "":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}

func embeddingDimensions(cfg profileconfig.Config) int {
	switch cfg.EmbedderProvider {
	case "openai":
		return 1536
	case "vertex", "ollama":
		return 768
	case "fastembed":
		return 384
	default:
		return 8
	}
}

func buildLanguageModel(ctx context.Context, cfg profileconfig.Config) (llm.LanguageModel, error) {
	switch cfg.LanguageModelProvider {
	case "anthropic":
		return anthropicllm.New(cfg.LanguageModelModel), nil
	case "openai":
		return openaillm.New(cfg.LanguageModelModel), nil
	case "gemini":
		return geminillm.New(ctx, cfg.LanguageModelModel)
	case "ollama":
		return ollamallm.New(cfg.LanguageModelModel)
	case "dummy", "":
		return dummyllm.New(""), nil
	default:
		return nil, fmt.Errorf("unknown LANGUAGE_MODEL_PROVIDER %q", cfg.LanguageModelProvider)
	}
}

func buildEmbedder(ctx context.Context, cfg profileconfig.Config) (embedder.Embedder, error) {
	switch cfg.EmbedderProvider {
	case "openai":
		return openaiembed.New(cfg.EmbedderModel), nil
	case "vertex":
		return vertexembed.New(ctx, cfg.EmbedderModel)
	case "ollama":
		return ollamaembed.New(cfg.EmbedderModel)
	case "fastembed":
		return fastembed.New(nil)
	case "dummy", "":
		return dummyembed.New(embeddingDimensions(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown EMBEDDER_PROVIDER %q", cfg.EmbedderProvider)
	}
}
