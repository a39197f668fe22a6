// Package server is the director's admin HTTP surface.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nfrund/sphere/internal/supervisor"
)

// Director is the part of the supervisor the server exposes.
type Director interface {
	Available() map[string]string
	Running() []supervisor.ProcessInfo
	StartModule(name string) error
	StopModule(name string) error
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	E        *echo.Echo
	director Director
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

// New creates a server with its routes registered. A nil gatherer serves
// the default prometheus registry.
func New(director Director, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("HTTP request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	setupErrorHandling(e)

	s := &Server{E: e, director: director, gatherer: gatherer, log: log.With("component", "http")}
	s.RegisterRoutes()
	return s
}

// setupErrorHandling logs unexpected errors with a stack trace and hides
// them from clients.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if he.Internal != nil {
				slog.Error("HTTP error", "status", he.Code, "error", he.Internal)
			}
			_ = c.JSON(he.Code, map[string]any{"error": he.Message})
			return
		}
		slog.Error("Internal Server Error (Unhandled)",
			"error", err.Error(),
			"path", c.Request().URL.Path,
			"stack_trace", string(debug.Stack()),
		)
		_ = c.JSON(http.StatusInternalServerError, map[string]any{"error": http.StatusText(http.StatusInternalServerError)})
	}
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Admin HTTP listening", "addr", addr)
		if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.E.Shutdown(shutdownCtx)
}
