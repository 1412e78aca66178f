package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/arbfeed/internal/blob/s3"
	"github.com/alanyoungcy/arbfeed/internal/cache/redis"
	"github.com/alanyoungcy/arbfeed/internal/config"
	"github.com/alanyoungcy/arbfeed/internal/domain"
	"github.com/alanyoungcy/arbfeed/internal/notify"
	"github.com/alanyoungcy/arbfeed/internal/server/handler"
	"github.com/alanyoungcy/arbfeed/internal/store/postgres"
)

// Dependencies bundles the optional sinks and sources the modes use. A nil
// field means the backing service is disabled or not needed by the mode.
type Dependencies struct {
	MarketStore domain.MarketStore
	BookCache   domain.BookCache
	SignalBus   domain.SignalBus
	Archiver    *s3blob.EventArchiver
	Alerts      *notify.Notifier

	// HealthChecks cover every wired backing service.
	HealthChecks []handler.HealthCheck
}

// Sinks reports whether any sink is wired.
func (d *Dependencies) Sinks() bool {
	return d.BookCache != nil || d.SignalBus != nil || d.Archiver != nil
}

// needsSinks returns true for modes that write market data downstream.
func needsSinks(mode string) bool {
	return mode == ModeStream
}

// Wire connects to every enabled backing service the mode needs and returns
// the dependencies together with a cleanup function to call on shutdown.
// Postgres and the alert channels are wired in every mode; Postgres is the
// subscription source.
func Wire(ctx context.Context, cfg *config.Config, mode string, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfigFrom(cfg.Supabase))
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.MarketStore = postgres.NewMarketStore(pgClient.Pool())
		deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{Name: "postgres", Check: pgClient.Ping})
		logger.InfoContext(ctx, "postgres connected")
	}

	// --- Alerts ---
	if n := newNotifier(cfg.Notify, logger); n != nil {
		deps.Alerts = n
		logger.InfoContext(ctx, "alerts enabled", slog.Int("channels", n.Senders()))
	}

	if !needsSinks(mode) {
		return deps, cleanup, nil
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfigFrom(cfg.Redis))
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookCache = redis.NewBookCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{Name: "redis", Check: redisClient.Ping})
		logger.InfoContext(ctx, "redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfigFrom(cfg.S3))
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewEventArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.ArchiverConfig{
				Prefix:        cfg.S3.ArchivePrefix,
				Exchange:      cfg.Feed.Exchange,
				BatchSize:     cfg.S3.BatchSize,
				FlushInterval: cfg.S3.FlushInterval.Duration,
			},
			nil,
			logger,
		)
		deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{Name: "s3", Check: s3Client.Health})
		logger.InfoContext(ctx, "s3 archive enabled", slog.String("bucket", s3Client.Bucket()))
	}

	return deps, cleanup, nil
}

// newNotifier builds a Notifier over every channel with credentials, or
// returns nil when none are configured.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	if len(senders) == 0 {
		return nil
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}
