package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nfrund/sphere/internal/errs"
)

// RegisterRoutes sets up all the admin routes.
func (s *Server) RegisterRoutes() {
	s.E.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	s.E.GET("/modules", s.modules)
	s.E.GET("/processes", s.processes)
	s.E.POST("/modules/:name/start", s.startModule)
	s.E.POST("/modules/:name/stop", s.stopModule)
	s.E.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) modules(c echo.Context) error {
	return c.JSON(http.StatusOK, s.director.Available())
}

func (s *Server) processes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.director.Running())
}

type moduleResponse struct {
	Module string `json:"module"`
	Status string `json:"status"`
}

func (s *Server) startModule(c echo.Context) error {
	name := c.Param("name")
	if err := s.director.StartModule(name); err != nil {
		return moduleError(err)
	}
	return c.JSON(http.StatusAccepted, moduleResponse{Module: name, Status: "started"})
}

func (s *Server) stopModule(c echo.Context) error {
	name := c.Param("name")
	if err := s.director.StopModule(name); err != nil {
		return moduleError(err)
	}
	return c.JSON(http.StatusAccepted, moduleResponse{Module: name, Status: "stopped"})
}

func moduleError(err error) error {
	switch errs.KindOf(err) {
	case errs.ModuleNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errs.PackageDescriptor:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return err
}
