package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tidemarklabs/recalld/internal/session"
)

func (s *Server) handleSessionStart(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		ResumeFrom string `json:"resumeFrom,omitempty"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	sess, err := s.deps.Sessions.Start(c.Request().Context(), project, req.ResumeFrom)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	sess, err := s.deps.Sessions.Get(c.Request().Context(), project, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionActivity(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var act session.Activity
	if err := s.bind(c, &act); err != nil {
		return err
	}
	sess, err := s.deps.Sessions.RecordActivity(c.Request().Context(), project, c.Param("id"), act)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionEnd(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Summary string `json:"summary,omitempty"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	summary, err := s.deps.Sessions.End(c.Request().Context(), project, c.Param("id"), req.Summary)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSessionList(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	sessions := s.deps.Sessions.List(project)
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleToolAnalytics(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tools": s.deps.Sessions.ToolAnalytics(project),
	})
}

func (s *Server) handleKnowledgeGaps(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	gaps := s.deps.Sessions.KnowledgeGaps(project)
	return c.JSON(http.StatusOK, map[string]any{
		"gaps":  gaps,
		"count": len(gaps),
	})
}

// handleTrackUsage records a zero-result query as a knowledge gap and, when a
// session id is given, attributes tool usage to it.
func (s *Server) handleTrackUsage(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		SessionID string `json:"sessionId,omitempty"`
		Tool      string `json:"tool,omitempty"`
		Query     string `json:"query,omitempty"`
		Results   int    `json:"results"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}

	if req.Query != "" && req.Results == 0 {
		s.deps.Sessions.RecordGap(project, req.Query)
	}
	if req.SessionID != "" {
		if _, err := s.deps.Sessions.RecordActivity(c.Request().Context(), project, req.SessionID,
			session.Activity{Tool: req.Tool, Query: req.Query}); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "recorded"})
}

func (s *Server) handleSimilarQueries(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	similar := s.deps.Sessions.SimilarQueries(project, req.Query, req.Limit)
	return c.JSON(http.StatusOK, map[string]any{
		"queries": similar,
		"count":   len(similar),
	})
}

// handlePatterns surfaces recurring decision memories for a project.
func (s *Server) handlePatterns(c echo.Context) error {
	project := c.Param("project")
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}
	memories, err := s.deps.Memories.List(c.Request().Context(), project, "decision", "", limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patterns": memories,
		"count":    len(memories),
	})
}

// handleProjectContext summarises where a project stands: active sessions
// plus recent decisions and todos.
func (s *Server) handleProjectContext(c echo.Context) error {
	project := c.Param("project")
	ctx := c.Request().Context()

	decisions, err := s.deps.Memories.List(ctx, project, "decision", "", 10)
	if err != nil {
		return err
	}
	todos, err := s.deps.Memories.List(ctx, project, "todo", "", 10)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"project":   project,
		"sessions":  s.deps.Sessions.List(project),
		"decisions": decisions,
		"todos":     todos,
	})
}

func (s *Server) handleChanges(c echo.Context) error {
	changes, err := s.deps.Sessions.Changes(c.Param("project"), c.Param("sessionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"files": changes,
		"count": len(changes),
	})
}
