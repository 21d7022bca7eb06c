package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tidemarklabs/recalld/internal/memory"
)

func (s *Server) handleRemember(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var params memory.RememberParams
	if err := s.bind(c, &params); err != nil {
		return err
	}
	saved, err := s.deps.Memories.Remember(c.Request().Context(), project, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleRecall(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var params memory.RecallParams
	if err := s.bind(c, &params); err != nil {
		return err
	}
	results, err := s.deps.Memories.Recall(c.Request().Context(), project, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"memories": results,
		"count":    len(results),
	})
}

func (s *Server) handleMemoryList(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	memories, err := s.deps.Memories.List(c.Request().Context(), project,
		c.QueryParam("type"), c.QueryParam("tag"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"memories": memories,
		"count":    len(memories),
	})
}

func (s *Server) handleMemoryStats(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	stats, err := s.deps.Memories.Stats(c.Request().Context(), project)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"byType": stats,
		"total":  total,
	})
}

func (s *Server) handleMemoryUnvalidated(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	memories, err := s.deps.Memories.Unvalidated(c.Request().Context(), project, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"memories": memories,
		"count":    len(memories),
	})
}

func (s *Server) handleMemoryQuarantine(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	memories, err := s.deps.Memories.Quarantine(c.Request().Context(), project, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"memories": memories,
		"count":    len(memories),
	})
}

func (s *Server) handleMemoryMerge(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var params memory.MergeParams
	if err := s.bind(c, &params); err != nil {
		return err
	}
	result, err := s.deps.Memories.MergeMemories(c.Request().Context(), project, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleMemoryBatch(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Memories []memory.RememberParams `json:"memories"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	result, err := s.deps.Memories.BatchRemember(c.Request().Context(), project, req.Memories)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleMemoryExtract(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Conversation string `json:"conversation"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	result, err := s.deps.Memories.Extract(c.Request().Context(), project, req.Conversation)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleForget(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	// Forget by type when a type query is given, by id otherwise.
	if memType := c.QueryParam("type"); memType != "" && c.Param("id") == "by-type" {
		count, err := s.deps.Memories.ForgetByType(c.Request().Context(), project, memType)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"deleted": count})
	}
	deleted := s.deps.Memories.Forget(c.Request().Context(), project, c.Param("id"))
	return c.JSON(http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleMemoryValidate(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Validated *bool `json:"validated"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	validated := true
	if req.Validated != nil {
		validated = *req.Validated
	}
	if err := s.deps.Memories.ValidateMemory(c.Request().Context(), project, c.Param("id"), validated); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":        c.Param("id"),
		"validated": validated,
	})
}

func (s *Server) handleTodoStatus(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Status string `json:"status"`
		Note   string `json:"note,omitempty"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	updated, err := s.deps.Memories.UpdateTodoStatus(c.Request().Context(), project,
		c.Param("id"), memory.TodoStatus(req.Status), req.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}
