package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// HealthChecker reports the health of a backing dependency.
type HealthChecker func(ctx context.Context) error

// Server wraps the echo instance with the coordinator's routes.
type Server struct {
	echo *echo.Echo
	addr string
	log  *zap.Logger
}

// NewServer builds the route table. metricsHandler and the health
// checks may be nil in tooling contexts.
func NewServer(addr string, handler *Handler, metricsHandler http.Handler, checks map[string]HealthChecker, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	api := e.Group("/api")
	api.POST("/tasks", handler.SubmitTask)
	api.GET("/tasks/:id", handler.GetTask)
	api.DELETE("/tasks/:id", handler.CancelTask)
	api.POST("/tasks/:id/result", handler.ReportResult)
	api.POST("/agents", handler.ConnectAgent)
	api.GET("/agents", handler.ListAgents)
	api.DELETE("/agents/:id", handler.DisconnectAgent)
	api.POST("/agents/:id/heartbeat", handler.Heartbeat)

	e.GET("/healthz", func(c echo.Context) error {
		ctx := c.Request().Context()
		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				report[name] = "ok"
			}
		}
		return c.JSON(status, report)
	})

	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	return &Server{echo: e, addr: addr, log: log}
}

// Echo exposes the underlying instance for handler tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
