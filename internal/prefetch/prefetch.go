// Package prefetch warms caches with the lookups a session is likely to
// need next. Everything here is best-effort: failures are logged at debug
// and never surface to the caller.
package prefetch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/retrieval"
	"github.com/tidemarklabs/recalld/internal/session"
)

const (
	// warmQueryCount is how many trailing queries get their embeddings and
	// search results warmed.
	warmQueryCount = 3

	// warmFileCount bounds the file-scoped searches per warm pass.
	warmFileCount = 3

	// warmTimeout bounds one whole warm pass.
	warmTimeout = 10 * time.Second
)

// Loader implements session.Prefetcher on top of the retrieval engine.
type Loader struct {
	embedder embeddings.Service
	engine   *retrieval.Engine
	cache    *cache.Cache
	logger   *zap.Logger
}

var _ session.Prefetcher = (*Loader)(nil)

// New creates the predictive loader.
func New(embedder embeddings.Service, engine *retrieval.Engine, c *cache.Cache, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		embedder: embedder,
		engine:   engine,
		cache:    c,
		logger:   logger.Named("prefetch"),
	}
}

// Warm pre-computes embeddings for the session's trailing queries, primes
// search results for its working files, and refreshes the cached session.
func (l *Loader) Warm(project string, s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()

	if l.cache != nil {
		l.cache.Set(cache.ScopeSession, cache.SessionKey(project, s.ID), s)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	queries := tail(s.RecentQueries, warmQueryCount)
	for _, q := range queries {
		q := q
		g.Go(func() error {
			// Embedding the query populates the 24h embedding cache.
			if _, err := l.embedder.Embed(ctx, q); err != nil {
				l.logger.Debug("query embedding warm failed",
					zap.String("query", q), zap.Error(err))
			}
			return nil
		})
		if l.engine != nil {
			g.Go(func() error {
				// The engine caches results for 10m under the search key.
				if _, err := l.engine.Search(ctx, project, retrieval.SearchParams{Query: q}); err != nil {
					l.logger.Debug("search warm failed",
						zap.String("query", q), zap.Error(err))
				}
				return nil
			})
		}
	}

	if l.engine != nil {
		for _, f := range tail(s.CurrentFiles, warmFileCount) {
			f := f
			g.Go(func() error {
				if _, err := l.engine.Search(ctx, project, retrieval.SearchParams{Query: f}); err != nil {
					l.logger.Debug("file-scoped warm failed",
						zap.String("file", f), zap.Error(err))
				}
				return nil
			})
		}
	}

	_ = g.Wait()
	l.logger.Debug("warm pass complete",
		zap.String("project", project),
		zap.String("session", s.ID),
		zap.Int("queries", len(queries)))
}

func tail(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}
