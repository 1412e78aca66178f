package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/arbfeed/internal/config"
	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// PoolConfig controls how a Pool spreads subscriptions over connections and
// when it replaces them.
type PoolConfig struct {
	MaxConnections             int
	SubscriptionsPerConnection int
	ConnectionTTL              time.Duration
	PreemptiveReconnect        time.Duration
	HealthCheckInterval        time.Duration
	MaxSilent                  time.Duration
	ChannelCapacity            int
}

// DefaultPoolConfig returns the production pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:             10,
		SubscriptionsPerConnection: 500,
		ConnectionTTL:              120 * time.Second,
		PreemptiveReconnect:        30 * time.Second,
		HealthCheckInterval:        30 * time.Second,
		MaxSilent:                  60 * time.Second,
		ChannelCapacity:            10_000,
	}
}

// Validate reports the first invalid field.
func (c PoolConfig) Validate() error {
	switch {
	case c.ConnectionTTL <= 0:
		return invalid("connection_ttl", "must be > 0")
	case c.PreemptiveReconnect <= 0:
		return invalid("preemptive_reconnect", "must be > 0")
	case c.PreemptiveReconnect >= c.ConnectionTTL:
		return invalid("preemptive_reconnect", "must be < connection_ttl")
	case c.MaxConnections <= 0:
		return invalid("max_connections", "must be > 0")
	case c.SubscriptionsPerConnection <= 0:
		return invalid("subscriptions_per_connection", "must be > 0")
	case c.HealthCheckInterval <= 0:
		return invalid("health_check_interval", "must be > 0")
	case c.MaxSilent <= 0:
		return invalid("max_silent", "must be > 0")
	case c.ChannelCapacity <= 0:
		return invalid("channel_capacity", "must be > 0")
	}
	return nil
}

// ReconnectConfig controls the backoff and circuit breaker of a Reconnecting
// stream.
type ReconnectConfig struct {
	InitialDelay           time.Duration
	MaxDelay               time.Duration
	Multiplier             float64
	MaxConsecutiveFailures int
	CircuitBreakerCooldown time.Duration
}

// DefaultReconnectConfig returns the production reconnection settings.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:           time.Second,
		MaxDelay:               60 * time.Second,
		Multiplier:             2.0,
		MaxConsecutiveFailures: 10,
		CircuitBreakerCooldown: 5 * time.Minute,
	}
}

// Validate checks the reconnection settings.
func (c ReconnectConfig) Validate() error {
	var errs []string
	if c.InitialDelay < 0 {
		errs = append(errs, "initial_delay must be >= 0")
	}
	if c.MaxDelay < c.InitialDelay {
		errs = append(errs, "max_delay must be >= initial_delay")
	}
	if c.Multiplier < 1.0 {
		errs = append(errs, "multiplier must be >= 1.0")
	}
	if c.MaxConsecutiveFailures <= 0 {
		errs = append(errs, "max_consecutive_failures must be > 0")
	}
	if c.CircuitBreakerCooldown < 0 {
		errs = append(errs, "circuit_breaker_cooldown must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("feed: reconnection: %s: %w", strings.Join(errs, "; "), domain.ErrInvalidConfig)
	}
	return nil
}

// PoolConfigFrom converts the file-level pool section.
func PoolConfigFrom(c config.PoolConfig) PoolConfig {
	return PoolConfig{
		MaxConnections:             c.MaxConnections,
		SubscriptionsPerConnection: c.SubscriptionsPerConnection,
		ConnectionTTL:              c.ConnectionTTL.Duration,
		PreemptiveReconnect:        c.PreemptiveReconnect.Duration,
		HealthCheckInterval:        c.HealthCheckInterval.Duration,
		MaxSilent:                  c.MaxSilent.Duration,
		ChannelCapacity:            c.ChannelCapacity,
	}
}

// ReconnectConfigFrom converts the file-level reconnection section.
func ReconnectConfigFrom(c config.ReconnectionConfig) ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:           c.InitialDelay.Duration,
		MaxDelay:               c.MaxDelay.Duration,
		Multiplier:             c.Multiplier,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		CircuitBreakerCooldown: c.CircuitBreakerCooldown.Duration,
	}
}

func invalid(field, reason string) error {
	return fmt.Errorf("feed: pool: %s %s: %w", field, reason, domain.ErrInvalidConfig)
}

// DedupConfigFrom converts the file-level dedup section.
func DedupConfigFrom(c config.DedupConfig) DedupConfig {
	return DedupConfig{
		Enabled:    c.Enabled,
		Strategy:   DedupStrategy(c.Strategy),
		CacheTTL:   c.CacheTTL.Duration,
		MaxEntries: c.MaxEntries,
	}
}
