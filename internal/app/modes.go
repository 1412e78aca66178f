package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbfeed/internal/domain"
	"github.com/alanyoungcy/arbfeed/internal/feed"
	"github.com/alanyoungcy/arbfeed/internal/metrics"
	"github.com/alanyoungcy/arbfeed/internal/platform/polymarket"
	"github.com/alanyoungcy/arbfeed/internal/server"
	"github.com/alanyoungcy/arbfeed/internal/server/handler"
	"github.com/alanyoungcy/arbfeed/internal/service"
)

// Operating modes.
const (
	// ModeStream drains the pool into every enabled sink.
	ModeStream = "stream"
	// ModeMonitor drains the pool to logs only.
	ModeMonitor = "monitor"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// errNoKeys is returned when neither the config nor the market store yields
// anything to subscribe to.
var errNoKeys = errors.New("no subscription keys: set feed.tokens, feed.discover or enable supabase")

// StreamMode runs the pool with the book cache, signal bus, market store,
// archive and alert sinks, plus the HTTP server.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")

	sinks := service.Sinks{
		Books:   deps.BookCache,
		Bus:     deps.SignalBus,
		Markets: deps.MarketStore,
	}
	if deps.Archiver != nil {
		sinks.Archive = deps.Archiver
	}
	if deps.Alerts != nil {
		sinks.Alerts = deps.Alerts
	}
	if !deps.Sinks() {
		a.logger.WarnContext(ctx, "stream mode without redis or s3; events are only logged")
	}
	return a.runPipeline(ctx, deps, sinks)
}

// MonitorMode runs the pool and the HTTP server and only logs what arrives.
// Operator alerts still fire when configured.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	var sinks service.Sinks
	if deps.Alerts != nil {
		sinks.Alerts = deps.Alerts
	}
	return a.runPipeline(ctx, deps, sinks)
}

func (a *App) runPipeline(ctx context.Context, deps *Dependencies, sinks service.Sinks) error {
	keys, err := a.subscriptionKeys(ctx, deps.MarketStore)
	if err != nil {
		return err
	}

	pool, err := a.buildPool()
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	var stream domain.MarketDataStream = pool
	var dedup *feed.Deduplicator
	if a.cfg.Feed.Dedup.Enabled {
		dedup = feed.NewDeduplicator(feed.DedupConfigFrom(a.cfg.Feed.Dedup), pool.ExchangeName(), nil)
		stream = feed.NewDedupStream(pool, dedup)
	}

	var (
		observer service.EventObserver
		m        *metrics.Metrics
	)
	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(a.cfg.Metrics.Namespace, pool.ExchangeName(), reg, pool)
		observer = m
		if dedup != nil {
			dedup.OnDuplicate(m.ObserveDuplicate)
		}
	}

	if err := pool.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect pool: %w", err)
	}
	if err := pool.Subscribe(ctx, keys); err != nil {
		return fmt.Errorf("app: subscribe: %w", err)
	}
	a.logger.InfoContext(ctx, "pool subscribed",
		slog.String("exchange", pool.ExchangeName()),
		slog.Int("keys", len(keys)),
		slog.Int("connections", pool.Stats().ActiveConnections),
	)

	svc := service.NewBookService(stream, sinks, observer, a.cfg.Pool.HealthCheckInterval.Duration, nil, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if deps.Archiver != nil && sinks.Archive != nil {
		g.Go(func() error {
			return deps.Archiver.Run(gctx)
		})
	}
	if a.cfg.Server.Enabled {
		health := handler.NewHealthHandler(a.cfg.Mode, pool.ExchangeName(), nil, a.logger, deps.HealthChecks...)
		stats := handler.NewStatsHandler(stream, svc.Processed)
		a.startHTTPServer(gctx, g, health, stats, m)
	}

	return g.Wait()
}

// buildPool creates the connection pool for the configured exchange.
func (a *App) buildPool() (*feed.Pool, error) {
	newFactory := a.newFactory
	if newFactory == nil {
		newFactory = feed.ExchangeFactory
	}
	factory, err := newFactory(a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: stream factory: %w", err)
	}
	pool, err := feed.NewPool(
		feed.PoolConfigFrom(a.cfg.Pool),
		feed.ReconnectConfigFrom(a.cfg.Reconnection),
		factory,
		strings.ToLower(a.cfg.Feed.Exchange),
		feed.WithPoolLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return pool, nil
}

// subscriptionKeys merges the configured seed tokens, the discovered tokens
// and the active tokens of the market store, without duplicates and capped at
// feed.market_limit.
func (a *App) subscriptionKeys(ctx context.Context, store domain.MarketStore) ([]domain.TokenID, error) {
	limit := a.cfg.Feed.MarketLimit
	keys := domain.TokenIDs(a.cfg.Feed.Tokens)

	if a.cfg.Feed.Discover {
		gamma := polymarket.NewGammaClient(a.cfg.Polymarket.GammaHost)
		found, err := service.NewMarketDiscovery(gamma, store, a.logger).Discover(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		keys = append(keys, found...)
	}

	if store != nil {
		active, err := store.ActiveTokenIDs(ctx, strings.ToLower(a.cfg.Feed.Exchange), limit)
		if err != nil {
			return nil, fmt.Errorf("app: load active tokens: %w", err)
		}
		keys = append(keys, active...)
	}

	keys = uniqueKeys(keys, limit)
	if len(keys) == 0 {
		return nil, fmt.Errorf("app: %w", errNoKeys)
	}
	return keys, nil
}

func uniqueKeys(keys []domain.TokenID, limit int) []domain.TokenID {
	seen := make(map[domain.TokenID]struct{}, len(keys))
	out := make([]domain.TokenID, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	health *handler.HealthHandler,
	stats *handler.StatsHandler,
	m *metrics.Metrics,
) {
	handlers := server.Handlers{Health: health, Stats: stats}
	if m != nil {
		handlers.Metrics = m.Handler()
	}
	srv := server.New(server.Config{Port: a.cfg.Server.Port}, handlers, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
