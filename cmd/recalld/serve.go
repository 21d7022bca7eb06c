package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/config"
	"github.com/tidemarklabs/recalld/internal/confluence"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/graph"
	"github.com/tidemarklabs/recalld/internal/httpapi"
	"github.com/tidemarklabs/recalld/internal/indexer"
	"github.com/tidemarklabs/recalld/internal/llm"
	"github.com/tidemarklabs/recalld/internal/logging"
	"github.com/tidemarklabs/recalld/internal/memory"
	"github.com/tidemarklabs/recalld/internal/parser"
	"github.com/tidemarklabs/recalld/internal/prefetch"
	"github.com/tidemarklabs/recalld/internal/reliability"
	"github.com/tidemarklabs/recalld/internal/retrieval"
	"github.com/tidemarklabs/recalld/internal/session"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recalld HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

// runServe is the composition root: it wires every subsystem and blocks until
// a shutdown signal.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Fields: map[string]string{"service": "recalld"},
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting recalld",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	breakers := reliability.NewRegistry(func(name string, from, to reliability.State) {
		logger.Warn("circuit breaker state change",
			zap.String("dependency", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	})

	tiers := cache.New(cache.Config{
		MaxEntriesPerTier: cfg.Cache.MaxEntriesPerTier,
		SessionTTL:        cfg.Cache.SessionTTL,
		SearchTTL:         cfg.Cache.SearchTTL,
		EmbeddingTTL:      cfg.Cache.EmbeddingTTL,
	})

	store, err := vectorstore.NewQdrantStore(vectorstore.Config{
		Host:           cfg.Qdrant.Host,
		Port:           cfg.Qdrant.Port,
		APIKey:         cfg.Qdrant.APIKey.Value(),
		UseTLS:         cfg.Qdrant.UseTLS,
		VectorSize:     cfg.Qdrant.VectorSize,
		SparseVectors:  cfg.Qdrant.SparseVectors,
		MaxMessageSize: cfg.Qdrant.MaxMessageSize,
	}, breakers, logger)
	if err != nil {
		logger.Error("vector store initialization failed", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	embedder, err := embeddings.New(embeddings.Config{
		Provider:    cfg.Embedding.Provider,
		BGEM3URL:    cfg.Embedding.BGEM3URL,
		OllamaURL:   cfg.Embedding.OllamaURL,
		OllamaModel: cfg.Embedding.Model,
		VectorSize:  cfg.Qdrant.VectorSize,
		Sparse:      cfg.Qdrant.SparseVectors,
	}, breakers, tiers, logger)
	if err != nil {
		return fmt.Errorf("initializing embeddings: %w", err)
	}

	// A missing LLM degrades ask/explain/extract to CONFIGURATION_ERROR
	// responses instead of blocking startup.
	completer, err := llm.New(llm.Config{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		OllamaURL: cfg.Embedding.OllamaURL,
		APIKey:    cfg.LLM.APIKey.Value(),
	}, breakers, logger)
	if err != nil {
		logger.Warn("llm unavailable; completion endpoints disabled", zap.Error(err))
		completer = nil
	}

	graphStore := graph.NewStore()
	memories := memory.New(store, embedder, completer, logger)
	engine := retrieval.New(store, embedder, completer, graphStore, memories, tiers, logger)

	var prefetcher session.Prefetcher
	if cfg.Session.Prefetch {
		prefetcher = prefetch.New(embedder, engine, tiers, logger)
	}
	sessions := session.New(store, embedder, tiers, memories, prefetcher, logger)

	ix := indexer.New(store, embedder, graphStore, indexer.Config{
		DrainWindow:     cfg.Index.DrainWindow,
		WatchDebounce:   cfg.Index.WatchDebounce,
		MaxFileSize:     int64(cfg.Index.MaxFileSizeKB) * 1024,
		ExcludePatterns: cfg.Index.ExcludePatterns,
	}, logger)

	deps := httpapi.Deps{
		Store:    store,
		Engine:   engine,
		Memories: memories,
		Sessions: sessions,
		Indexer:  ix,
		Cache:    tiers,
		Breakers: breakers,
	}

	if cfg.Confluence.BaseURL != "" {
		client, err := confluence.NewClient(cfg.Confluence, breakers, logger)
		if err != nil {
			logger.Warn("confluence connector disabled", zap.Error(err))
		} else {
			deps.Confluence = client
			deps.ConfluenceIx = confluence.NewIndexer(client, store, embedder, parser.NewRegistry(), logger)
		}
	}

	srv := httpapi.New(*cfg, deps, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	ix.Wait()
	logger.Info("shutdown complete")
	return nil
}
