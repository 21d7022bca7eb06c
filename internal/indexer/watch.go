package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/parser"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// Watcher observes a project tree and re-indexes individual changed files.
// Deterministic point ids make the per-file upsert idempotent; failures
// degrade to log-only.
type Watcher struct {
	ix      *Indexer
	project string
	root    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
}

// WatchProject starts watching the project tree. Stop with Close.
func (ix *Indexer) WatchProject(project, root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		ix:      ix,
		project: project,
		root:    root,
		watcher: fsw,
		logger:  ix.logger.Named("watch").With(zap.String("project", project)),
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	w.logger.Info("watching project tree", zap.String("path", root))
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		if rel != "." && matchesAny(filepath.ToSlash(rel), w.ix.cfg.ExcludePatterns) {
			return fs.SkipDir
		}
		return w.watcher.Add(p)
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if matchesAny(rel, w.ix.cfg.ExcludePatterns) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		// New directories need their own watch; new files index like writes.
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("watching new directory failed", zap.Error(err))
			}
			return
		}
		w.debounce(rel)
	case event.Has(fsnotify.Write):
		w.debounce(rel)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.removeFile(rel)
	}
}

// debounce schedules the re-index once writes for the file settle.
func (w *Watcher) debounce(rel string) {
	if w.ix.registry.ClassifyFile(rel) == parser.ChunkUnknown {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[rel]; ok {
		timer.Stop()
	}
	w.pending[rel] = time.AfterFunc(w.ix.cfg.WatchDebounce, func() {
		w.mu.Lock()
		delete(w.pending, rel)
		w.mu.Unlock()
		w.reindexFile(rel)
	})
}

// reindexFile re-parses one file, replaces its points, and refreshes its
// graph edges.
func (w *Watcher) reindexFile(rel string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	collection := CollectionName(w.project)

	chunks, edges, _, err := w.ix.parseFile(w.project, w.root, rel)
	if err != nil {
		w.logger.Warn("re-index parse failed", zap.String("file", rel), zap.Error(err))
		return
	}

	// Stale chunks for the file go first so shrunken files leave no orphans.
	if _, err := w.ix.store.DeleteByFilter(ctx, collection, &vectorstore.Filter{
		Must: []vectorstore.Condition{{Key: "file", MatchValue: rel}},
	}); err != nil {
		w.logger.Warn("re-index delete failed", zap.String("file", rel), zap.Error(err))
		return
	}

	if len(chunks) > 0 {
		points := make([]vectorstore.Point, 0, len(chunks))
		texts := make([]string, 0, len(chunks))
		for _, chunk := range chunks {
			points = append(points, chunkPoint(w.project, rel, chunk))
			texts = append(texts, chunk.Content)
		}
		if err := w.ix.embedBatch(ctx, texts, points); err != nil {
			w.logger.Warn("re-index embed failed", zap.String("file", rel), zap.Error(err))
			return
		}
		if err := w.ix.store.Upsert(ctx, collection, points); err != nil {
			w.logger.Warn("re-index upsert failed", zap.String("file", rel), zap.Error(err))
			return
		}
	}

	if w.ix.graph != nil {
		w.ix.graph.RemoveFile(w.project, rel)
		w.ix.graph.Add(w.project, edges)
	}
	w.logger.Info("re-indexed file", zap.String("file", rel), zap.Int("chunks", len(chunks)))
}

func (w *Watcher) removeFile(rel string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := w.ix.store.DeleteByFilter(ctx, CollectionName(w.project), &vectorstore.Filter{
		Must: []vectorstore.Condition{{Key: "file", MatchValue: rel}},
	}); err != nil {
		w.logger.Warn("removing file points failed", zap.String("file", rel), zap.Error(err))
		return
	}
	if w.ix.graph != nil {
		w.ix.graph.RemoveFile(w.project, rel)
	}
	w.logger.Info("removed deleted file", zap.String("file", rel))
}
