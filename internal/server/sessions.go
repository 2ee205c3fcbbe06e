package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/metalyst-dev/metalyst/internal/engine"
	"github.com/metalyst-dev/metalyst/internal/meta"
	"github.com/metalyst-dev/metalyst/internal/store"
	"github.com/metalyst-dev/metalyst/internal/tabular"
	"github.com/metalyst-dev/metalyst/internal/validator"
)

// SessionsHandler exposes the session workflow over HTTP.
type SessionsHandler struct {
	Engine *engine.Engine
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/upload", h.upload)
	g.POST("/:id/compute", h.compute)
	g.POST("/:id/plot", h.plot)
	g.POST("/:id/report", h.report)
}

type createSessionRequest struct {
	Name       string          `json:"name"`
	Parameters meta.Parameters `json:"parameters"`
}

func (h *SessionsHandler) create(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.Engine.CreateSession(c.Request().Context(), req.Name, req.Parameters)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *SessionsHandler) list(c echo.Context) error {
	sessions, err := h.Engine.ListSessions(c.Request().Context(), store.Filter{Status: c.QueryParam("status")})
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []*meta.Session{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.Engine.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) delete(c echo.Context) error {
	if err := h.Engine.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type uploadRequest struct {
	Content         string `json:"content"`
	Format          string `json:"format"`
	ValidationLevel string `json:"validation_level"`
}

func (h *SessionsHandler) upload(c echo.Context) error {
	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if req.Format == "" {
		req.Format = tabular.FormatCSV
	}
	level := validator.LevelBasic
	if req.ValidationLevel == string(validator.LevelComprehensive) {
		level = validator.LevelComprehensive
	}
	sess, err := h.Engine.UploadRecords(c.Request().Context(), c.Param("id"), []byte(req.Content), req.Format, level)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) compute(c echo.Context) error {
	var opts engine.ComputeOptions
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.Engine.Compute(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

type plotRequest struct {
	Kind string `json:"kind"`
}

func (h *SessionsHandler) plot(c echo.Context) error {
	var req plotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Kind == "" {
		req.Kind = engine.PlotForest
	}
	sess, err := h.Engine.Plot(c.Request().Context(), c.Param("id"), req.Kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) report(c echo.Context) error {
	sess, err := h.Engine.Report(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}
