package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tidemarklabs/recalld/internal/errs"
)

func (s *Server) confluenceReady() error {
	if s.deps.Confluence == nil {
		return errs.Configuration("confluence is not configured")
	}
	return nil
}

func (s *Server) handleConfluenceStatus(c echo.Context) error {
	if err := s.confluenceReady(); err != nil {
		return err
	}
	if err := s.deps.Confluence.Status(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "connected"})
}

func (s *Server) handleConfluenceSpaces(c echo.Context) error {
	if err := s.confluenceReady(); err != nil {
		return err
	}
	spaces, err := s.deps.Confluence.Spaces(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"spaces": spaces,
		"count":  len(spaces),
	})
}

func (s *Server) handleConfluenceSearch(c echo.Context) error {
	if err := s.confluenceReady(); err != nil {
		return err
	}
	var req struct {
		CQL   string `json:"cql"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	pages, err := s.deps.Confluence.SearchPages(c.Request().Context(), req.CQL, req.Limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"pages": pages,
		"count": len(pages),
	})
}

func (s *Server) handleConfluenceIndex(c echo.Context) error {
	if s.deps.ConfluenceIx == nil {
		return errs.Configuration("confluence is not configured")
	}
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Space string `json:"space"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.Space == "" {
		return errs.Validation("space is required", nil)
	}
	report, err := s.deps.ConfluenceIx.IndexSpace(c.Request().Context(), project, req.Space)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
