// Package config defines the top-level configuration for arbfeed and
// provides validation helpers.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBFEED_* environment variables.
type Config struct {
	Feed         FeedConfig         `toml:"feed"`
	Pool         PoolConfig         `toml:"pool"`
	Reconnection ReconnectionConfig `toml:"reconnection"`
	Polymarket   PolymarketConfig   `toml:"polymarket"`
	Kalshi       KalshiConfig       `toml:"kalshi"`
	Supabase     SupabaseConfig     `toml:"supabase"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Server       ServerConfig       `toml:"server"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// FeedConfig selects the exchange and the subscription set.
type FeedConfig struct {
	// Exchange is "polymarket" or "kalshi".
	Exchange string `toml:"exchange"`
	// Tokens are subscribed in addition to the active markets loaded from
	// Postgres.
	Tokens []string `toml:"tokens"`
	// Discover pages through the exchange's open markets at startup and
	// subscribes to their tokens. Polymarket only.
	Discover bool `toml:"discover"`
	// MarketLimit caps the total number of subscription keys.
	MarketLimit int         `toml:"market_limit"`
	Dedup       DedupConfig `toml:"dedup"`
}

// DedupConfig controls duplicate suppression on the merged event stream.
type DedupConfig struct {
	Enabled    bool     `toml:"enabled"`
	Strategy   string   `toml:"strategy"`
	CacheTTL   duration `toml:"cache_ttl"`
	MaxEntries int      `toml:"max_entries"`
}

// PoolConfig holds the connection pool parameters.
type PoolConfig struct {
	MaxConnections             int      `toml:"max_connections"`
	SubscriptionsPerConnection int      `toml:"subscriptions_per_connection"`
	ConnectionTTL              duration `toml:"connection_ttl"`
	PreemptiveReconnect        duration `toml:"preemptive_reconnect"`
	HealthCheckInterval        duration `toml:"health_check_interval"`
	MaxSilent                  duration `toml:"max_silent"`
	ChannelCapacity            int      `toml:"channel_capacity"`
}

// ReconnectionConfig holds the per-connection backoff and circuit breaker
// parameters.
type ReconnectionConfig struct {
	InitialDelay           duration `toml:"initial_delay"`
	MaxDelay               duration `toml:"max_delay"`
	Multiplier             float64  `toml:"multiplier"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	CircuitBreakerCooldown duration `toml:"circuit_breaker_cooldown"`
}

// PolymarketConfig holds the Polymarket WebSocket and Gamma API endpoints.
type PolymarketConfig struct {
	WsHost    string `toml:"ws_host"`
	GammaHost string `toml:"gamma_host"`
}

// KalshiConfig holds Kalshi WebSocket endpoint and API credentials.
type KalshiConfig struct {
	WsURL             string `toml:"ws_url"`
	ApiKey            string `toml:"api_key"`
	RsaPrivateKeyPath string `toml:"rsa_private_key_path"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the event
// archive.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	ArchivePrefix  string   `toml:"archive_prefix"`
	BatchSize      int      `toml:"batch_size"`
	FlushInterval  duration `toml:"flush_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// NotifyConfig holds operator alert channel credentials. A channel is active
// when its credentials are set.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			Exchange:    "polymarket",
			MarketLimit: 5000,
			Dedup: DedupConfig{
				Enabled:    true,
				Strategy:   "hash",
				CacheTTL:   duration{5 * time.Second},
				MaxEntries: 100_000,
			},
		},
		Pool: PoolConfig{
			MaxConnections:             10,
			SubscriptionsPerConnection: 500,
			ConnectionTTL:              duration{120 * time.Second},
			PreemptiveReconnect:        duration{30 * time.Second},
			HealthCheckInterval:        duration{30 * time.Second},
			MaxSilent:                  duration{60 * time.Second},
			ChannelCapacity:            10_000,
		},
		Reconnection: ReconnectionConfig{
			InitialDelay:           duration{time.Second},
			MaxDelay:               duration{60 * time.Second},
			Multiplier:             2.0,
			MaxConsecutiveFailures: 10,
			CircuitBreakerCooldown: duration{5 * time.Minute},
		},
		Polymarket: PolymarketConfig{
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
		},
		Kalshi: KalshiConfig{
			WsURL: "wss://api.elections.kalshi.com/trade-api/ws/v2",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbfeed-data",
			ForcePathStyle: true,
			ArchivePrefix:  "events",
			BatchSize:      5000,
			FlushInterval:  duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "arbfeed",
		},
		Notify: NotifyConfig{
			Events: []string{domain.AlertMarketSettled, domain.AlertPoolDown, domain.AlertPoolRecovered},
		},
		Mode:     "stream",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"stream":  true,
	"monitor": true,
}

// validExchanges enumerates the accepted values for FeedConfig.Exchange.
var validExchanges = map[string]bool{
	"polymarket": true,
	"kalshi":     true,
}

// validDedupStrategies enumerates the accepted values for DedupConfig.Strategy.
var validDedupStrategies = map[string]bool{
	"hash":      true,
	"timestamp": true,
	"content":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: stream, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed
	if !validExchanges[strings.ToLower(c.Feed.Exchange)] {
		errs = append(errs, fmt.Sprintf("feed: unknown exchange %q (valid: polymarket, kalshi)", c.Feed.Exchange))
	}
	if c.Feed.MarketLimit < 0 {
		errs = append(errs, "feed: market_limit must be >= 0")
	}
	if c.Feed.Dedup.Enabled {
		if !validDedupStrategies[c.Feed.Dedup.Strategy] {
			errs = append(errs, fmt.Sprintf("feed.dedup: unknown strategy %q (valid: hash, timestamp, content)", c.Feed.Dedup.Strategy))
		}
		if c.Feed.Dedup.CacheTTL.Duration <= 0 {
			errs = append(errs, "feed.dedup: cache_ttl must be > 0")
		}
		if c.Feed.Dedup.MaxEntries <= 0 {
			errs = append(errs, "feed.dedup: max_entries must be > 0")
		}
	}

	// Pool
	p := c.Pool
	if p.MaxConnections <= 0 {
		errs = append(errs, "pool: max_connections must be > 0")
	}
	if p.SubscriptionsPerConnection <= 0 {
		errs = append(errs, "pool: subscriptions_per_connection must be > 0")
	}
	if p.ConnectionTTL.Duration <= 0 {
		errs = append(errs, "pool: connection_ttl must be > 0")
	}
	if p.PreemptiveReconnect.Duration <= 0 || p.PreemptiveReconnect.Duration >= p.ConnectionTTL.Duration {
		errs = append(errs, "pool: preemptive_reconnect must be > 0 and < connection_ttl")
	}
	if p.HealthCheckInterval.Duration <= 0 {
		errs = append(errs, "pool: health_check_interval must be > 0")
	}
	if p.MaxSilent.Duration <= 0 {
		errs = append(errs, "pool: max_silent must be > 0")
	}
	if p.ChannelCapacity <= 0 {
		errs = append(errs, "pool: channel_capacity must be > 0")
	}

	// Reconnection
	r := c.Reconnection
	if r.InitialDelay.Duration < 0 {
		errs = append(errs, "reconnection: initial_delay must be >= 0")
	}
	if r.MaxDelay.Duration < r.InitialDelay.Duration {
		errs = append(errs, "reconnection: max_delay must be >= initial_delay")
	}
	if r.Multiplier < 1.0 {
		errs = append(errs, "reconnection: multiplier must be >= 1.0")
	}
	if r.MaxConsecutiveFailures <= 0 {
		errs = append(errs, "reconnection: max_consecutive_failures must be > 0")
	}
	if r.CircuitBreakerCooldown.Duration < 0 {
		errs = append(errs, "reconnection: circuit_breaker_cooldown must be >= 0")
	}

	// Exchange endpoints
	switch strings.ToLower(c.Feed.Exchange) {
	case "polymarket":
		if c.Polymarket.WsHost == "" {
			errs = append(errs, "polymarket: ws_host must not be empty")
		}
		if c.Feed.Discover && c.Polymarket.GammaHost == "" {
			errs = append(errs, "polymarket: gamma_host must not be empty when feed.discover is set")
		}
	case "kalshi":
		if c.Kalshi.WsURL == "" {
			errs = append(errs, "kalshi: ws_url must not be empty")
		}
		if c.Feed.Discover {
			errs = append(errs, "feed: discover is only supported for polymarket")
		}
		if (c.Kalshi.ApiKey == "") != (c.Kalshi.RsaPrivateKeyPath == "") {
			errs = append(errs, "kalshi: api_key and rsa_private_key_path must be set together")
		}
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.BatchSize < 1 {
			errs = append(errs, "s3: batch_size must be >= 1")
		}
		if c.S3.FlushInterval.Duration <= 0 {
			errs = append(errs, "s3: flush_interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, e := range c.Notify.Events {
		if !slices.Contains(domain.AlertEvents, strings.TrimSpace(e)) {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed (%w):\n  - %s", domain.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
