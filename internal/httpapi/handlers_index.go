package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/indexer"
)

type indexRequest struct {
	Path            string   `json:"path"`
	Force           bool     `json:"force"`
	Patterns        []string `json:"patterns,omitempty"`
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
}

// indexPath resolves the tree to index: body first, then the path header,
// then the configured project path.
func (s *Server) indexPath(c echo.Context, bodyPath string) (string, error) {
	if bodyPath != "" {
		return bodyPath, nil
	}
	if p := c.Request().Header.Get(headerProjectPath); p != "" {
		return p, nil
	}
	if s.cfg.Project.Path != "" {
		return s.cfg.Project.Path, nil
	}
	return "", errs.Validation("project path is required", map[string]any{
		"path": "set path in the body, the " + headerProjectPath + " header, or configure a default",
	})
}

func (s *Server) handleIndex(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req indexRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	path, err := s.indexPath(c, req.Path)
	if err != nil {
		return err
	}

	if err := s.deps.Indexer.IndexProject(indexer.Request{
		Project:         project,
		Path:            path,
		Force:           req.Force,
		Patterns:        req.Patterns,
		ExcludePatterns: req.ExcludePatterns,
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"status":     "started",
		"project":    project,
		"collection": indexer.CollectionName(project),
	})
}

func (s *Server) handleReindex(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req indexRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	path, err := s.indexPath(c, req.Path)
	if err != nil {
		return err
	}

	if err := s.deps.Indexer.ReindexZeroDowntime(indexer.Request{
		Project:         project,
		Path:            path,
		Patterns:        req.Patterns,
		ExcludePatterns: req.ExcludePatterns,
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"status":  "started",
		"project": project,
		"alias":   indexer.CollectionName(project),
	})
}

// projectOfCollection maps a collection path segment back to its project:
// "{project}_codebase" and bare project names both resolve.
func projectOfCollection(name string) string {
	return strings.TrimSuffix(name, "_codebase")
}

func (s *Server) handleIndexStatus(c echo.Context) error {
	project := projectOfCollection(c.Param("collection"))
	return c.JSON(http.StatusOK, s.deps.Indexer.Status(project))
}

func (s *Server) handleIndexStats(c echo.Context) error {
	project := projectOfCollection(c.Param("collection"))
	stats := s.deps.Indexer.Stats(project)

	collection := indexer.CollectionName(project)
	if count, err := s.deps.Store.Count(c.Request().Context(), collection, nil); err == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"stats":      stats,
			"pointCount": count,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleListCollections(c echo.Context) error {
	names, err := s.deps.Store.ListCollections(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"collections": names,
		"count":       len(names),
	})
}

func (s *Server) handleCollectionInfo(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	name := qualifyCollection(project, c.Param("name"))
	info, err := s.deps.Store.CollectionInfo(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleCollectionClear(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	name := qualifyCollection(project, c.Param("name"))
	if err := s.deps.Store.ClearCollection(c.Request().Context(), name); err != nil {
		return err
	}
	if s.deps.Cache != nil {
		s.deps.Cache.InvalidatePrefix(cache.ScopeProject, name)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "cleared", "collection": name})
}

func (s *Server) handleCollectionIndexes(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	name := qualifyCollection(project, c.Param("name"))
	if err := s.deps.Store.EnsurePayloadIndexes(c.Request().Context(), name); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "collection": name})
}

func (s *Server) handleCollectionDelete(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	name := qualifyCollection(project, c.Param("name"))
	if err := s.deps.Store.DeleteCollection(c.Request().Context(), name); err != nil {
		return err
	}
	if s.deps.Cache != nil {
		s.deps.Cache.InvalidatePrefix(cache.ScopeProject, name)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "deleted", "collection": name})
}

func (s *Server) handleSnapshotCreate(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	name := qualifyCollection(project, c.Param("name"))
	info, err := s.deps.Store.CreateSnapshot(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"collection": name,
		"snapshot":   info,
	})
}

func (s *Server) handleSnapshotList(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	name := qualifyCollection(project, c.Param("name"))
	snapshots, err := s.deps.Store.ListSnapshots(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"collection": name,
		"snapshots":  snapshots,
		"count":      len(snapshots),
	})
}

type quantizationRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleQuantization(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req quantizationRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	name := qualifyCollection(project, c.Param("name"))
	if err := s.deps.Store.SetQuantization(c.Request().Context(), name, req.Enabled); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"collection": name,
		"enabled":    req.Enabled,
	})
}

func (s *Server) handleListAliases(c echo.Context) error {
	aliases, err := s.deps.Store.ListAliases(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"aliases": aliases,
		"count":   len(aliases),
	})
}

func (s *Server) handleProjectAlias(c echo.Context) error {
	project := c.Param("project")
	alias := indexer.CollectionName(project)

	aliases, err := s.deps.Store.ListAliases(c.Request().Context())
	if err != nil {
		return err
	}
	for _, a := range aliases {
		if a.Alias == alias {
			return c.JSON(http.StatusOK, a)
		}
	}
	return errs.NotFound("alias", alias)
}
