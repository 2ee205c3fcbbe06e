package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metalyst-dev/metalyst/config"
	"github.com/metalyst-dev/metalyst/internal/engine"
	"github.com/metalyst-dev/metalyst/internal/meta"
	"github.com/metalyst-dev/metalyst/internal/runtime"
	"github.com/metalyst-dev/metalyst/internal/store"
)

// Run wires the store, dispatcher and engine together and serves the API
// until the listener fails.
func Run(cfg *config.Config, addr string) error {
	st, err := store.New(cfg.Storage.File.DataDir)
	if err != nil {
		return err
	}
	disp, err := runtime.NewDispatcher(cfg.Runtime)
	if err != nil {
		return err
	}
	eng := engine.New(st, disp)

	e := newEcho()
	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	sh := &SessionsHandler{Engine: eng}
	sh.Register(api.Group("/sessions"))

	if cfg.Retention.Enabled {
		cleaner := &Cleaner{Store: st, MaxAge: cfg.Retention.MaxAge, Cron: cfg.Retention.SweepCron, Stop: make(chan struct{})}
		cleaner.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with the unified error handler. Split
// from Run so handler tests exercise the same error mapping as production.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code, body := errorEnvelope(err)
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, body)
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))
	return e
}

// errorEnvelope maps domain errors onto HTTP status codes and the wire
// envelope. Input problems are the caller's fault (4xx); runtime problems
// distinguish "nothing to run on" (503) from "the run broke" (502).
func errorEnvelope(err error) (int, map[string]interface{}) {
	envelope := func(kind, message string, details interface{}) map[string]interface{} {
		inner := map[string]interface{}{"kind": kind, "message": message}
		if details != nil {
			inner["details"] = details
		}
		return map[string]interface{}{"error": inner}
	}

	var fe meta.FormatError
	if errors.As(err, &fe) {
		return http.StatusBadRequest, envelope(meta.KindFormat, fe.Error(), nil)
	}
	var ve meta.ValidationError
	if errors.As(err, &ve) {
		var details interface{}
		if len(ve.Rows) > 0 {
			details = ve.Rows
		}
		return http.StatusUnprocessableEntity, envelope(meta.KindValidation, ve.Message, details)
	}
	var nf meta.NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound, envelope(meta.KindNotFound, nf.Error(), nil)
	}
	var re meta.RuntimeError
	if errors.As(err, &re) {
		code := http.StatusBadGateway
		switch re.Reason {
		case meta.ReasonUnavailable:
			code = http.StatusServiceUnavailable
		case meta.ReasonDeclined:
			code = http.StatusConflict
		}
		return code, envelope(meta.KindRuntime, re.Error(), map[string]string{"reason": re.Reason})
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, envelope("http_error", fmt.Sprint(he.Message), nil)
	}
	return http.StatusInternalServerError, envelope("internal_error", err.Error(), nil)
}
