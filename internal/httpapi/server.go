// Package httpapi exposes every recalld operation over JSON HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/config"
	"github.com/tidemarklabs/recalld/internal/confluence"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/indexer"
	"github.com/tidemarklabs/recalld/internal/memory"
	"github.com/tidemarklabs/recalld/internal/reliability"
	"github.com/tidemarklabs/recalld/internal/retrieval"
	"github.com/tidemarklabs/recalld/internal/session"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// Request headers.
const (
	headerProjectName = "X-Project-Name"
	headerProjectPath = "X-Project-Path"
	headerAPIKey      = "X-API-Key"
)

const bodyLimit = "10M"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recalld_http_requests_total",
		Help: "HTTP requests by method, route, and status class.",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recalld_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Deps are the services the API surfaces. Confluence fields may be nil when
// the connector is not configured.
type Deps struct {
	Store        vectorstore.Store
	Engine       *retrieval.Engine
	Memories     *memory.Service
	Sessions     *session.Service
	Indexer      *indexer.Indexer
	Cache        *cache.Cache
	Breakers     *reliability.Registry
	Confluence   *confluence.Client
	ConfluenceIx *confluence.Indexer
}

// Server is the HTTP API server.
type Server struct {
	cfg    config.Config
	deps   Deps
	echo   *echo.Echo
	logger *zap.Logger

	startedAt time.Time
	now       func() time.Time
}

// New builds the server and its routes.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		echo:      echo.New(),
		logger:    logger.Named("http"),
		startedAt: time.Now(),
		now:       time.Now,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: cfg.Server.RequestTimeout,
		Skipper: func(c echo.Context) bool {
			// Metrics scrapes and health probes are cheap; indexing outlives
			// any request timeout by design.
			return c.Path() == "/metrics" || c.Path() == "/health"
		},
	}))
	e.Use(s.observe)
	e.Use(s.auth)

	s.routes()
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info("http server listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")

	// Retrieval.
	api.POST("/search", s.handleSearch)
	api.POST("/search-hybrid", s.handleSearchHybrid)
	api.POST("/search-similar", s.handleSearchSimilar)
	api.POST("/search-grouped", s.handleSearchGrouped)
	api.POST("/search-graph", s.handleSearchGraph)
	api.POST("/ask", s.handleAsk)
	api.POST("/explain", s.handleExplain)
	api.POST("/find-feature", s.handleFindFeature)
	api.POST("/context-pack", s.handleContextPack)

	// Indexing and collections.
	api.POST("/index", s.handleIndex)
	api.POST("/reindex", s.handleReindex)
	api.GET("/index/status/:collection", s.handleIndexStatus)
	api.GET("/stats/:collection", s.handleIndexStats)
	api.GET("/collections", s.handleListCollections)
	api.GET("/collections/:name/info", s.handleCollectionInfo)
	api.POST("/collections/:name/clear", s.handleCollectionClear)
	api.POST("/collections/:name/indexes", s.handleCollectionIndexes)
	api.GET("/collections/:name/snapshots", s.handleSnapshotList)
	api.POST("/collections/:name/snapshots", s.handleSnapshotCreate)
	api.POST("/collections/:name/quantization", s.handleQuantization)
	api.DELETE("/collections/:name", s.handleCollectionDelete)
	api.GET("/aliases", s.handleListAliases)
	api.GET("/alias/:project", s.handleProjectAlias)

	// Memory.
	api.POST("/memory", s.handleRemember)
	api.POST("/memory/recall", s.handleRecall)
	api.GET("/memory/list", s.handleMemoryList)
	api.GET("/memory/stats", s.handleMemoryStats)
	api.GET("/memory/unvalidated", s.handleMemoryUnvalidated)
	api.GET("/memory/quarantine", s.handleMemoryQuarantine)
	api.POST("/memory/merge", s.handleMemoryMerge)
	api.POST("/memory/batch", s.handleMemoryBatch)
	api.POST("/memory/extract", s.handleMemoryExtract)
	api.DELETE("/memory/:id", s.handleForget)
	api.PATCH("/memory/:id/validate", s.handleMemoryValidate)
	api.PATCH("/memory/todo/:id", s.handleTodoStatus)

	// Sessions and analytics.
	api.POST("/session/start", s.handleSessionStart)
	api.GET("/session/:id", s.handleSessionGet)
	api.POST("/session/:id/activity", s.handleSessionActivity)
	api.POST("/session/:id/end", s.handleSessionEnd)
	api.GET("/sessions", s.handleSessionList)
	api.GET("/tool-analytics", s.handleToolAnalytics)
	api.GET("/knowledge-gaps", s.handleKnowledgeGaps)
	api.POST("/track-usage", s.handleTrackUsage)
	api.POST("/similar-queries", s.handleSimilarQueries)
	api.GET("/patterns/:project", s.handlePatterns)
	api.GET("/context/:project", s.handleProjectContext)
	api.GET("/changes/:project/:sessionId", s.handleChanges)

	// Confluence.
	api.GET("/confluence/status", s.handleConfluenceStatus)
	api.GET("/confluence/spaces", s.handleConfluenceSpaces)
	api.POST("/confluence/search", s.handleConfluenceSearch)
	api.POST("/index/confluence", s.handleConfluenceIndex)
}

// observe logs each request and records Prometheus counters. Only 5xx get
// error-level logs.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := s.now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		status := c.Response().Status
		route := c.Path()
		elapsed := s.now().Sub(start)

		requestsTotal.WithLabelValues(c.Request().Method, route,
			fmt.Sprintf("%dxx", status/100)).Inc()
		requestDuration.WithLabelValues(c.Request().Method, route).
			Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("requestId", c.Response().Header().Get(echo.HeaderXRequestID)),
		}
		if status >= http.StatusInternalServerError {
			fields = append(fields, zap.Error(err))
			s.logger.Error("request failed", fields...)
		} else {
			s.logger.Debug("request", fields...)
		}
		return nil
	}
}

// auth enforces the API key when one is configured. Health and metrics stay
// open for probes and scrapers.
func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.cfg.Server.APIKey.IsSet() {
			return next(c)
		}
		if c.Path() == "/health" || c.Path() == "/metrics" {
			return next(c)
		}
		if c.Request().Header.Get(headerAPIKey) != s.cfg.Server.APIKey.Value() {
			return errs.Auth("missing or invalid API key")
		}
		return next(c)
	}
}

// errorHandler renders the taxonomy as {error, code, details}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := errs.HTTPStatusOf(err)
	body := map[string]any{
		"error": err.Error(),
		"code":  string(errs.KindOf(err)),
	}

	var taxonomy *errs.Error
	if errors.As(err, &taxonomy) {
		body["error"] = taxonomy.Message
		if len(taxonomy.Details) > 0 {
			body["details"] = taxonomy.Details
		}
		if taxonomy.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After",
				fmt.Sprintf("%d", int(taxonomy.RetryAfter.Seconds())))
		}
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		body["error"] = fmt.Sprint(httpErr.Message)
		body["code"] = string(errs.KindUnknown)
	}

	if writeErr := c.JSON(status, body); writeErr != nil {
		s.logger.Warn("writing error response failed", zap.Error(writeErr))
	}
}

// project resolves the request's project scope: header first, configured
// default second.
func (s *Server) project(c echo.Context) (string, error) {
	if p := c.Request().Header.Get(headerProjectName); p != "" {
		return p, nil
	}
	if s.cfg.Project.Name != "" {
		return s.cfg.Project.Name, nil
	}
	return "", errs.Validation("project is required", map[string]any{
		"projectName": "set the " + headerProjectName + " header or configure a default project",
	})
}

// qualifyCollection prefixes a bare collection name with the project scope.
func qualifyCollection(project, name string) string {
	if strings.HasPrefix(name, project+"_") {
		return name
	}
	return project + "_" + name
}

func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"embeddingProvider": s.cfg.Embedding.Provider,
			"llmProvider":       s.cfg.LLM.Provider,
			"sparseVectors":     s.cfg.Qdrant.SparseVectors,
			"vectorSize":        s.cfg.Qdrant.VectorSize,
			"uptime":            s.now().Sub(s.startedAt).Round(time.Second).String(),
		},
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats()
	}
	if s.deps.Breakers != nil {
		body["breakers"] = s.deps.Breakers.States()
	}
	return c.JSON(http.StatusOK, body)
}
