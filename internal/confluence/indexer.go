package confluence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/parser"
	"github.com/tidemarklabs/recalld/internal/validate"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// CollectionName returns the Confluence collection for a project.
func CollectionName(project string) string {
	return project + "_confluence"
}

// Indexer walks a space's pages through the docs parser into the project's
// Confluence collection.
type Indexer struct {
	client   *Client
	store    vectorstore.Store
	embedder embeddings.Service
	parsers  *parser.Registry
	logger   *zap.Logger
}

// NewIndexer creates the space indexer.
func NewIndexer(client *Client, store vectorstore.Store, embedder embeddings.Service, parsers *parser.Registry, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		client:   client,
		store:    store,
		embedder: embedder,
		parsers:  parsers,
		logger:   logger.Named("confluence_index"),
	}
}

// pagePointID is deterministic so re-indexing an unchanged space is
// idempotent.
func pagePointID(project, pageID string, startLine, endLine int) string {
	name := fmt.Sprintf("%s|confluence|%s|%d|%d", project, pageID, startLine, endLine)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// IndexReport summarises one space indexing run.
type IndexReport struct {
	Space       string   `json:"space"`
	PagesFound  int      `json:"pagesFound"`
	PageCount   int      `json:"pagesIndexed"`
	ChunkCount  int      `json:"chunks"`
	FailedPages []string `json:"failedPages,omitempty"`
}

// IndexSpace fetches every page of a space and upserts its parsed chunks.
// Per-page failures are collected, not fatal.
func (ix *Indexer) IndexSpace(ctx context.Context, project, spaceKey string) (*IndexReport, error) {
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}

	pages, err := ix.client.SpacePages(ctx, spaceKey, 0)
	if err != nil {
		return nil, err
	}

	collection := CollectionName(project)
	if err := ix.store.CreateCollection(ctx, collection, 0); err != nil {
		return nil, fmt.Errorf("preparing collection %s: %w", collection, err)
	}
	if err := ix.store.EnsurePayloadIndexes(ctx, collection); err != nil {
		return nil, fmt.Errorf("preparing payload indexes for %s: %w", collection, err)
	}

	report := &IndexReport{Space: spaceKey, PagesFound: len(pages)}
	now := time.Now().UTC().Format(time.RFC3339)

	for _, page := range pages {
		body, err := ix.client.PageBody(ctx, page.ID)
		if err != nil {
			ix.logger.Warn("fetching page failed",
				zap.String("page", page.ID), zap.Error(err))
			report.FailedPages = append(report.FailedPages, page.ID)
			continue
		}

		// The virtual path routes the page through the markdown/docs parser
		// and gives search results a stable source identity.
		file := fmt.Sprintf("confluence/%s/%s.md", spaceKey, page.Title)
		chunks, err := ix.parsers.Parse(file, body)
		if err != nil || len(chunks) == 0 {
			if err != nil {
				ix.logger.Warn("parsing page failed",
					zap.String("page", page.ID), zap.Error(err))
				report.FailedPages = append(report.FailedPages, page.ID)
			}
			continue
		}

		points := make([]vectorstore.Point, 0, len(chunks))
		texts := make([]string, 0, len(chunks))
		for _, chunk := range chunks {
			points = append(points, vectorstore.Point{
				ID: pagePointID(project, page.ID, chunk.StartLine, chunk.EndLine),
				Payload: map[string]any{
					"project":   project,
					"file":      file,
					"content":   chunk.Content,
					"startLine": chunk.StartLine,
					"endLine":   chunk.EndLine,
					"chunkType": "docs",
					"space":     spaceKey,
					"pageId":    page.ID,
					"pageTitle": page.Title,
					"indexedAt": now,
				},
			})
			texts = append(texts, chunk.Content)
		}

		vectors, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			ix.logger.Warn("embedding page failed",
				zap.String("page", page.ID), zap.Error(err))
			report.FailedPages = append(report.FailedPages, page.ID)
			continue
		}
		for i := range points {
			points[i].Vector = vectors[i]
		}

		if err := ix.store.Upsert(ctx, collection, points); err != nil {
			ix.logger.Warn("upserting page failed",
				zap.String("page", page.ID), zap.Error(err))
			report.FailedPages = append(report.FailedPages, page.ID)
			continue
		}
		report.PageCount++
		report.ChunkCount += len(points)
	}

	ix.logger.Info("space indexed",
		zap.String("project", project),
		zap.String("space", spaceKey),
		zap.Int("pages", report.PageCount),
		zap.Int("chunks", report.ChunkCount))
	return report, nil
}
