package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBFEED_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBFEED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.Exchange, "ARBFEED_FEED_EXCHANGE")
	setStringSlice(&cfg.Feed.Tokens, "ARBFEED_FEED_TOKENS")
	setBool(&cfg.Feed.Discover, "ARBFEED_FEED_DISCOVER")
	setInt(&cfg.Feed.MarketLimit, "ARBFEED_FEED_MARKET_LIMIT")
	setBool(&cfg.Feed.Dedup.Enabled, "ARBFEED_FEED_DEDUP_ENABLED")
	setStr(&cfg.Feed.Dedup.Strategy, "ARBFEED_FEED_DEDUP_STRATEGY")
	setDuration(&cfg.Feed.Dedup.CacheTTL, "ARBFEED_FEED_DEDUP_CACHE_TTL")
	setInt(&cfg.Feed.Dedup.MaxEntries, "ARBFEED_FEED_DEDUP_MAX_ENTRIES")

	// ── Pool ──
	setInt(&cfg.Pool.MaxConnections, "ARBFEED_POOL_MAX_CONNECTIONS")
	setInt(&cfg.Pool.SubscriptionsPerConnection, "ARBFEED_POOL_SUBSCRIPTIONS_PER_CONNECTION")
	setDuration(&cfg.Pool.ConnectionTTL, "ARBFEED_POOL_CONNECTION_TTL")
	setDuration(&cfg.Pool.PreemptiveReconnect, "ARBFEED_POOL_PREEMPTIVE_RECONNECT")
	setDuration(&cfg.Pool.HealthCheckInterval, "ARBFEED_POOL_HEALTH_CHECK_INTERVAL")
	setDuration(&cfg.Pool.MaxSilent, "ARBFEED_POOL_MAX_SILENT")
	setInt(&cfg.Pool.ChannelCapacity, "ARBFEED_POOL_CHANNEL_CAPACITY")

	// ── Reconnection ──
	setDuration(&cfg.Reconnection.InitialDelay, "ARBFEED_RECONNECTION_INITIAL_DELAY")
	setDuration(&cfg.Reconnection.MaxDelay, "ARBFEED_RECONNECTION_MAX_DELAY")
	setFloat64(&cfg.Reconnection.Multiplier, "ARBFEED_RECONNECTION_MULTIPLIER")
	setInt(&cfg.Reconnection.MaxConsecutiveFailures, "ARBFEED_RECONNECTION_MAX_CONSECUTIVE_FAILURES")
	setDuration(&cfg.Reconnection.CircuitBreakerCooldown, "ARBFEED_RECONNECTION_CIRCUIT_BREAKER_COOLDOWN")

	// ── Exchanges ──
	setStr(&cfg.Polymarket.WsHost, "ARBFEED_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.GammaHost, "ARBFEED_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Kalshi.WsURL, "ARBFEED_KALSHI_WS_URL")
	setStr(&cfg.Kalshi.ApiKey, "ARBFEED_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "ARBFEED_KALSHI_RSA_PRIVATE_KEY_PATH")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "ARBFEED_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "ARBFEED_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "ARBFEED_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "ARBFEED_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "ARBFEED_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "ARBFEED_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "ARBFEED_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "ARBFEED_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "ARBFEED_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "ARBFEED_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "ARBFEED_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "ARBFEED_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBFEED_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBFEED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBFEED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBFEED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBFEED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBFEED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBFEED_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBFEED_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBFEED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBFEED_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBFEED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBFEED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBFEED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBFEED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBFEED_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchivePrefix, "ARBFEED_S3_ARCHIVE_PREFIX")
	setInt(&cfg.S3.BatchSize, "ARBFEED_S3_BATCH_SIZE")
	setDuration(&cfg.S3.FlushInterval, "ARBFEED_S3_FLUSH_INTERVAL")

	// ── Server / metrics ──
	setBool(&cfg.Server.Enabled, "ARBFEED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBFEED_SERVER_PORT")
	setBool(&cfg.Metrics.Enabled, "ARBFEED_METRICS_ENABLED")
	setStr(&cfg.Metrics.Namespace, "ARBFEED_METRICS_NAMESPACE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBFEED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBFEED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBFEED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBFEED_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBFEED_MODE")
	setStr(&cfg.LogLevel, "ARBFEED_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
