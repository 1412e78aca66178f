// Package server exposes the health, stats and metrics HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbfeed/internal/server/handler"
	"github.com/alanyoungcy/arbfeed/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port int
}

// Handlers aggregates the handlers the server registers. Metrics may be nil.
type Handlers struct {
	Health  *handler.HealthHandler
	Stats   *handler.StatsHandler
	Metrics http.Handler
}

// Server is the HTTP server for health, pool stats and Prometheus metrics.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered.
func New(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/stats", handlers.Stats.GetStats)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	var h http.Handler = mux
	h = middleware.Recover(logger)(h)
	h = middleware.Logging(logger)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured port and blocks until the server is shut
// down or fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests until
// ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
