// Package indexer walks project trees, parses files into chunks, embeds
// them, and commits them to vector collections, with per-project status
// tracking and zero-downtime alias-swapped re-index.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/graph"
	"github.com/tidemarklabs/recalld/internal/parser"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// Config tunes the indexer.
type Config struct {
	// BatchSize caps chunks per embedding batch.
	BatchSize int

	// DrainWindow is how long a replaced collection survives after an alias
	// swap so in-flight readers finish.
	DrainWindow time.Duration

	// ExcludePatterns are always skipped, in addition to per-request ones.
	ExcludePatterns []string

	// MaxFileSize skips files larger than this many bytes.
	MaxFileSize int64

	// WatchDebounce coalesces editor save bursts into one re-index per file.
	WatchDebounce time.Duration
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = 30 * time.Second
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 1 << 20
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = 500 * time.Millisecond
	}
	if len(c.ExcludePatterns) == 0 {
		c.ExcludePatterns = []string{
			"node_modules", ".git", "dist", "build", "target",
			"vendor", "__pycache__", ".venv", "coverage",
		}
	}
}

// Request describes one index job.
type Request struct {
	Project         string
	Path            string
	Force           bool
	Patterns        []string
	ExcludePatterns []string

	// Collection overrides the default {project}_codebase target. Used by
	// the zero-downtime reindex to fill a versioned collection.
	Collection string
}

// Indexer runs index jobs, one at a time per project.
type Indexer struct {
	store    vectorstore.Store
	embedder embeddings.Service
	registry *parser.Registry
	graph    *graph.Store
	cfg      Config
	logger   *zap.Logger
	tracker  *statusTracker

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an indexer.
func New(store vectorstore.Store, embedder embeddings.Service, g *graph.Store, cfg Config, logger *zap.Logger) *Indexer {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		store:    store,
		embedder: embedder,
		registry: parser.NewRegistry(),
		graph:    g,
		cfg:      cfg,
		logger:   logger.Named("indexer"),
		tracker:  newStatusTracker(),
	}
}

// CollectionName returns the canonical codebase collection for a project.
func CollectionName(project string) string {
	return project + "_codebase"
}

// PointID derives the deterministic id for a chunk, so re-indexing unchanged
// content upserts the same point.
func PointID(project, file string, startLine, endLine int, content string) string {
	sum := sha256.Sum256([]byte(content))
	name := fmt.Sprintf("%s|%s|%d|%d|%s", project, file, startLine, endLine, hex.EncodeToString(sum[:]))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// IndexProject starts a background index job. A second call for the same
// project while one is running fails with CONFLICT.
func (ix *Indexer) IndexProject(req Request) error {
	if req.Project == "" || req.Path == "" {
		return errs.Validation("project and path are required", nil)
	}

	ix.mu.Lock()
	if _, busy := ix.running[req.Project]; busy {
		ix.mu.Unlock()
		return errs.Conflict(fmt.Sprintf("already_indexing project %s", req.Project))
	}
	if ix.running == nil {
		ix.running = make(map[string]context.CancelFunc)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ix.running[req.Project] = cancel
	ix.mu.Unlock()

	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		defer func() {
			cancel()
			ix.mu.Lock()
			delete(ix.running, req.Project)
			ix.mu.Unlock()
		}()
		ix.runJob(ctx, req)
	}()
	return nil
}

// Cancel requests cancellation of the running job for a project.
func (ix *Indexer) Cancel(project string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cancel, ok := ix.running[project]
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all background jobs finish. Used by shutdown and tests.
func (ix *Indexer) Wait() { ix.wg.Wait() }

// Status returns the process-local status snapshot for a project.
func (ix *Indexer) Status(project string) IndexStatus {
	return ix.tracker.snapshot(project)
}

// Stats returns accumulated project statistics.
func (ix *Indexer) Stats(project string) ProjectStats {
	return ix.tracker.statsSnapshot(project)
}

func (ix *Indexer) runJob(ctx context.Context, req Request) {
	log := ix.logger.With(zap.String("project", req.Project), zap.String("path", req.Path))

	collection := req.Collection
	if collection == "" {
		collection = CollectionName(req.Project)
	}

	files, err := ix.collectFiles(req)
	if err != nil {
		ix.tracker.start(req.Project, 0)
		ix.tracker.fileError(req.Project, err.Error())
		ix.tracker.finish(req.Project, StatusError)
		log.Error("walking project tree failed", zap.Error(err))
		return
	}
	ix.tracker.start(req.Project, len(files))
	log.Info("index job started", zap.Int("files", len(files)), zap.String("collection", collection))

	if err := ix.ensureCollection(ctx, collection); err != nil {
		ix.tracker.fileError(req.Project, err.Error())
		ix.tracker.finish(req.Project, StatusError)
		log.Error("preparing collection failed", zap.Error(err))
		return
	}
	if req.Force {
		if err := ix.store.ClearCollection(ctx, collection); err != nil {
			ix.tracker.fileError(req.Project, err.Error())
			ix.tracker.finish(req.Project, StatusError)
			return
		}
	}

	stats := ProjectStats{Project: req.Project, Languages: map[string]int{}}
	var edges []graph.Edge
	var pending []vectorstore.Point
	var pendingTexts []string

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := ix.embedBatch(ctx, pendingTexts, pending); err != nil {
			return err
		}
		if err := ix.store.Upsert(ctx, collection, pending); err != nil {
			return err
		}
		pending = pending[:0]
		pendingTexts = pendingTexts[:0]
		return nil
	}

	for _, file := range files {
		if ctx.Err() != nil {
			ix.tracker.fileError(req.Project, "job cancelled")
			ix.tracker.finish(req.Project, StatusError)
			return
		}

		chunks, fileEdges, lines, err := ix.parseFile(req.Project, req.Path, file)
		if err != nil {
			// A broken file never aborts the job.
			ix.tracker.fileError(req.Project, fmt.Sprintf("%s: %v", file, err))
			log.Warn("skipping file", zap.String("file", file), zap.Error(err))
			continue
		}
		if len(chunks) > 0 {
			stats.FileCount++
			stats.TotalLines += lines
			stats.Languages[chunks[0].Language]++
		}
		edges = append(edges, fileEdges...)

		for _, chunk := range chunks {
			pending = append(pending, chunkPoint(req.Project, file, chunk))
			pendingTexts = append(pendingTexts, chunk.Content)
			if len(pending) >= ix.cfg.BatchSize {
				if err := flush(); err != nil {
					ix.abort(req.Project, log, err)
					return
				}
			}
		}
		ix.tracker.progress(req.Project, len(chunks))
	}
	if err := flush(); err != nil {
		ix.abort(req.Project, log, err)
		return
	}

	if ix.graph != nil {
		ix.graph.Replace(req.Project, edges)
	}
	now := time.Now()
	stats.LastIndexed = &now
	ix.tracker.setStats(req.Project, stats)
	ix.tracker.finish(req.Project, StatusCompleted)
	log.Info("index job completed",
		zap.Int("files", stats.FileCount),
		zap.Int("edges", len(edges)))
}

// abort transitions the job to error on an unrecoverable dependency failure.
func (ix *Indexer) abort(project string, log *zap.Logger, err error) {
	ix.tracker.fileError(project, err.Error())
	ix.tracker.finish(project, StatusError)
	log.Error("index job aborted", zap.Error(err))
}

func chunkPoint(project, file string, chunk parser.ParsedChunk) vectorstore.Point {
	payload := map[string]any{
		"project":   project,
		"file":      file,
		"content":   chunk.Content,
		"startLine": chunk.StartLine,
		"endLine":   chunk.EndLine,
		"language":  chunk.Language,
		"type":      string(chunk.Type),
		"chunkType": string(chunk.Type),
	}
	if len(chunk.Symbols) > 0 {
		payload["symbols"] = chunk.Symbols
	}
	if len(chunk.Imports) > 0 {
		payload["imports"] = chunk.Imports
	}
	return vectorstore.Point{
		ID:      PointID(project, file, chunk.StartLine, chunk.EndLine, chunk.Content),
		Payload: payload,
	}
}

// embedBatch fills the Vector (and Sparse, when enabled) of each pending
// point.
func (ix *Indexer) embedBatch(ctx context.Context, texts []string, points []vectorstore.Point) error {
	if !ix.embedder.SparseEnabled() {
		vecs, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i := range points {
			points[i].Vector = vecs[i]
		}
		return nil
	}

	// Sparse output is per-text; fan out with bounded concurrency.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range points {
		g.Go(func() error {
			emb, err := ix.embedder.EmbedFull(gctx, texts[i])
			if err != nil {
				return err
			}
			points[i].Vector = emb.Dense
			points[i].Sparse = emb.Sparse
			return nil
		})
	}
	return g.Wait()
}

func (ix *Indexer) parseFile(project, root, rel string) ([]parser.ParsedChunk, []graph.Edge, int, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, nil, 0, err
	}
	content := string(data)

	chunks, err := ix.registry.Parse(rel, content)
	if err != nil {
		return nil, nil, 0, err
	}
	return chunks, graph.Extract(content, rel), strings.Count(content, "\n") + 1, nil
}

// collectFiles walks the tree and returns slash-separated relative paths of
// parseable files, honouring include and exclude patterns.
func (ix *Indexer) collectFiles(req Request) ([]string, error) {
	excludes := append([]string(nil), ix.cfg.ExcludePatterns...)
	excludes = append(excludes, req.ExcludePatterns...)

	var files []string
	err := filepath.WalkDir(req.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(req.Path, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && matchesAny(rel, excludes) {
				return fs.SkipDir
			}
			return nil
		}
		if matchesAny(rel, excludes) {
			return nil
		}
		if len(req.Patterns) > 0 && !matchesAny(rel, req.Patterns) {
			return nil
		}
		if ix.registry.ClassifyFile(rel) == parser.ChunkUnknown {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() > ix.cfg.MaxFileSize {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// matchesAny matches a slash-relative path against glob patterns. A pattern
// without a slash matches any path segment; `**/` prefixes match at any
// depth.
func matchesAny(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(pattern, "./")
		if !strings.Contains(pattern, "/") {
			for _, segment := range strings.Split(rel, "/") {
				if ok, _ := path.Match(pattern, segment); ok {
					return true
				}
			}
			continue
		}
		if trimmed, found := strings.CutPrefix(pattern, "**/"); found {
			if ok, _ := path.Match(trimmed, path.Base(rel)); ok {
				return true
			}
			if ok, _ := path.Match(trimmed, rel); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (ix *Indexer) ensureCollection(ctx context.Context, collection string) error {
	// An alias satisfies existence: readers resolve through it.
	aliases, err := ix.store.ListAliases(ctx)
	if err == nil {
		for _, a := range aliases {
			if a.Alias == collection {
				return nil
			}
		}
	}

	if err := ix.store.CreateCollection(ctx, collection, 0); err != nil {
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}
	if err := ix.store.EnsurePayloadIndexes(ctx, collection); err != nil {
		return fmt.Errorf("creating payload indexes for %s: %w", collection, err)
	}
	return nil
}

var versionSuffix = regexp.MustCompile(`_v(\d+)$`)

// ReindexZeroDowntime rebuilds a project into a fresh versioned collection
// and atomically swaps the alias so readers never see a partial index. The
// replaced collection is deleted after the drain window.
func (ix *Indexer) ReindexZeroDowntime(req Request) error {
	if req.Project == "" || req.Path == "" {
		return errs.Validation("project and path are required", nil)
	}
	alias := req.Collection
	if alias == "" {
		alias = CollectionName(req.Project)
	}

	ctx := context.Background()
	next, previous, err := ix.nextVersion(ctx, alias)
	if err != nil {
		return err
	}

	versioned := fmt.Sprintf("%s_v%d", alias, next)
	if err := ix.store.CreateCollection(ctx, versioned, 0); err != nil {
		return fmt.Errorf("creating collection %s: %w", versioned, err)
	}
	if err := ix.store.EnsurePayloadIndexes(ctx, versioned); err != nil {
		return fmt.Errorf("creating payload indexes for %s: %w", versioned, err)
	}

	jobReq := req
	jobReq.Collection = versioned
	if err := ix.IndexProject(jobReq); err != nil {
		return err
	}

	log := ix.logger.With(zap.String("project", req.Project), zap.String("alias", alias))
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		ix.awaitAndSwap(req.Project, alias, versioned, previous, log)
	}()
	return nil
}

// nextVersion inspects existing versioned collections to pick v{n+1}, and
// returns the collection the alias currently serves (may be empty).
func (ix *Indexer) nextVersion(ctx context.Context, alias string) (int, string, error) {
	names, err := ix.store.ListCollections(ctx)
	if err != nil {
		return 0, "", err
	}
	highest := 0
	for _, name := range names {
		if !strings.HasPrefix(name, alias+"_v") {
			continue
		}
		if m := versionSuffix.FindStringSubmatch(name); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > highest {
				highest = v
			}
		}
	}

	previous := ""
	aliases, err := ix.store.ListAliases(ctx)
	if err != nil {
		return 0, "", err
	}
	for _, a := range aliases {
		if a.Alias == alias {
			previous = a.Collection
		}
	}
	// A plain (unversioned) collection predating alias use also drains.
	if previous == "" && highest == 0 {
		if exists, err := ix.store.CollectionExists(ctx, alias); err == nil && exists {
			previous = alias
		}
	}
	return highest + 1, previous, nil
}

// awaitAndSwap waits for the fill job, swaps the alias, and schedules drain
// deletion of the previous collection.
func (ix *Indexer) awaitAndSwap(project, alias, versioned, previous string, log *zap.Logger) {
	for {
		st := ix.tracker.snapshot(project)
		if st.Status == StatusCompleted {
			break
		}
		if st.Status == StatusError {
			log.Error("reindex fill job failed; alias left untouched",
				zap.String("collection", versioned))
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	ctx := context.Background()

	// A plain collection cannot coexist with an alias of the same name: the
	// server rejects the swap. Its content was just rebuilt into the
	// versioned collection, so it is dropped before the alias takes over.
	if previous == alias {
		if err := ix.store.DeleteCollection(ctx, previous); err != nil {
			log.Error("migrating unversioned collection failed; alias left untouched",
				zap.String("collection", previous), zap.Error(err))
			return
		}
		log.Info("migrated unversioned collection to alias", zap.String("collection", previous))
		previous = ""
	}

	if err := ix.store.SwitchAlias(ctx, alias, versioned); err != nil {
		log.Error("alias swap failed", zap.Error(err))
		return
	}
	log.Info("alias swapped", zap.String("collection", versioned))

	if previous == "" || previous == versioned {
		return
	}
	time.AfterFunc(ix.cfg.DrainWindow, func() {
		if err := ix.store.DeleteCollection(context.Background(), previous); err != nil {
			log.Warn("draining previous collection failed",
				zap.String("collection", previous), zap.Error(err))
			return
		}
		log.Info("drained previous collection", zap.String("collection", previous))
	})
}
