package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/retrieval"
)

func (s *Server) bind(c echo.Context, out any) error {
	if err := c.Bind(out); err != nil {
		return errs.Validation("invalid request body", map[string]any{"cause": err.Error()})
	}
	return nil
}

func (s *Server) handleSearch(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var params retrieval.SearchParams
	if err := s.bind(c, &params); err != nil {
		return err
	}
	results, err := s.deps.Engine.Search(c.Request().Context(), project, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleSearchHybrid(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var params retrieval.SearchParams
	if err := s.bind(c, &params); err != nil {
		return err
	}
	hybrid, err := s.deps.Engine.SearchHybrid(c.Request().Context(), project, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"results": hybrid.Results,
		"count":   len(hybrid.Results),
		"mode":    hybrid.Mode,
	})
}

func (s *Server) handleSearchSimilar(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Code      string  `json:"code"`
		Limit     int     `json:"limit"`
		Threshold float32 `json:"threshold"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	results, err := s.deps.Engine.SearchSimilar(c.Request().Context(), project, req.Code, req.Limit, req.Threshold)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleSearchGrouped(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Query     string `json:"query"`
		GroupBy   string `json:"groupBy"`
		Limit     int    `json:"limit"`
		GroupSize int    `json:"groupSize"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	groups, err := s.deps.Engine.SearchGrouped(c.Request().Context(), project, req.Query, req.GroupBy, req.Limit, req.GroupSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

func (s *Server) handleSearchGraph(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		retrieval.SearchParams
		Hops int `json:"hops"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	result, err := s.deps.Engine.SearchGraph(c.Request().Context(), project, req.SearchParams, req.Hops)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleAsk(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Question string `json:"question"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	answer, err := s.deps.Engine.Ask(c.Request().Context(), project, req.Question)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) handleExplain(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	explanation, err := s.deps.Engine.Explain(c.Request().Context(), project, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, explanation)
}

func (s *Server) handleFindFeature(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var req struct {
		Feature string `json:"feature"`
	}
	if err := s.bind(c, &req); err != nil {
		return err
	}
	feature, err := s.deps.Engine.FindFeature(c.Request().Context(), project, req.Feature)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, feature)
}

func (s *Server) handleContextPack(c echo.Context) error {
	project, err := s.project(c)
	if err != nil {
		return err
	}
	var params retrieval.PackParams
	if err := s.bind(c, &params); err != nil {
		return err
	}
	pack, err := s.deps.Engine.BuildContextPack(c.Request().Context(), project, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pack)
}
