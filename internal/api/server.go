package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/sccs/internal/config"
	"github.com/ignite/sccs/internal/pkg/logger"
)

// Server wraps the HTTP server and its wiring.
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, h *Handlers, health *HealthChecker) *Server {
	return &Server{
		cfg:     cfg,
		handler: SetupRoutes(h, health),
	}
}

// Start begins listening and blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logger.Info("api server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
