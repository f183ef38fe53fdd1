package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/triagekit/triage-engine/internal/config"
)

// Server wraps the HTTP listener and lifecycle helpers around the alert
// ingress API.
type Server struct {
	cfg    config.ServerConfig
	http   *http.Server
	router *gin.Engine
}

// NewServer constructs the HTTP server with routes registered against the
// given handlers.
func NewServer(cfg config.ServerConfig, handlers *Handlers) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handlers.Health)
	v1 := router.Group("/api/v1")
	{
		v1.POST("/alerts", handlers.ReceiveAlerts)
		v1.GET("/incidents", handlers.ListIncidents)
		v1.GET("/incidents/:id", handlers.GetIncident)
		v1.GET("/patterns", handlers.GetPatterns)
	}

	return &Server{
		cfg:    cfg,
		router: router,
		http: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves incoming requests until Shutdown is invoked.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the graceful timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
