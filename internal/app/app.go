// Package app wires configuration, sinks, the connection pool and the HTTP
// server together and runs them in the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/arbfeed/internal/config"
	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()

	// newFactory overrides feed.ExchangeFactory.
	newFactory func(*config.Config, *slog.Logger) (domain.StreamFactory, error)
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires all dependencies, starts the configured mode and blocks until ctx
// is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("exchange", a.cfg.Feed.Exchange),
		slog.String("log_level", a.cfg.LogLevel),
	)

	mode := strings.ToLower(a.cfg.Mode)
	deps, cleanup, err := Wire(ctx, a.cfg, mode, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case ModeStream:
		return a.StreamMode(ctx, deps)
	case ModeMonitor:
		return a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
