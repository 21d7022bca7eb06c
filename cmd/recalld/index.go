package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/config"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/graph"
	"github.com/tidemarklabs/recalld/internal/indexer"
	"github.com/tidemarklabs/recalld/internal/logging"
	"github.com/tidemarklabs/recalld/internal/reliability"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

var (
	indexProject string
	indexPath    string
	indexForce   bool
	indexWatch   bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index a project tree directly, without the HTTP server",
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexProject, "project", "", "project name (defaults to config)")
	indexCmd.Flags().StringVar(&indexPath, "path", "", "project root to index (defaults to config)")
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "clear the collection before indexing")
	indexCmd.Flags().BoolVar(&indexWatch, "watch", false, "keep running and re-index changed files")
}

func runIndex(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	project := indexProject
	if project == "" {
		project = cfg.Project.Name
	}
	root := indexPath
	if root == "" {
		root = cfg.Project.Path
	}
	if project == "" || root == "" {
		return fmt.Errorf("--project and --path are required (or configure project.name and project.path)")
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	breakers := reliability.NewRegistry(nil)
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
		return fmt.Errorf("connecting to vector store: %w", err)
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

	ix := indexer.New(store, embedder, graph.NewStore(), indexer.Config{
		DrainWindow:     cfg.Index.DrainWindow,
		WatchDebounce:   cfg.Index.WatchDebounce,
		MaxFileSize:     int64(cfg.Index.MaxFileSizeKB) * 1024,
		ExcludePatterns: cfg.Index.ExcludePatterns,
	}, logger)

	if err := ix.IndexProject(indexer.Request{
		Project: project,
		Path:    root,
		Force:   indexForce,
	}); err != nil {
		return err
	}
	ix.Wait()

	status := ix.Status(project)
	if status.Status == indexer.StatusError {
		return fmt.Errorf("index job failed: %v", status.Errors)
	}
	stats := ix.Stats(project)
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d files (%d lines) into %s\n",
		stats.FileCount, stats.TotalLines, indexer.CollectionName(project))

	if !indexWatch {
		return nil
	}

	watcher, err := ix.WatchProject(project, root)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Close()

	logger.Info("watching for changes", zap.String("path", root))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
