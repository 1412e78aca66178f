package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/benbjohnson/clock"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// Reconnecting wraps a MarketDataStream and hides transport failures from its
// caller. Disconnects and stream ends trigger a reconnect with exponential
// backoff and jitter; repeated failures open a circuit breaker that pauses
// attempts for a cooldown. Keys passed to Subscribe are replayed after every
// reconnect.
//
// A Reconnecting is owned by one goroutine; it is not safe for concurrent use.
type Reconnecting struct {
	inner     domain.MarketDataStream
	cfg       ReconnectConfig
	clock     clock.Clock
	backoff   *backoffState
	keys      []domain.TokenID
	connected bool
	logger    *slog.Logger
}

// ReconnectingOption customises a Reconnecting.
type ReconnectingOption func(*Reconnecting)

// WithReconnectClock sets the clock used for backoff sleeps and the circuit
// breaker.
func WithReconnectClock(clk clock.Clock) ReconnectingOption {
	return func(r *Reconnecting) { r.clock = clk }
}

// WithReconnectLogger sets the logger.
func WithReconnectLogger(logger *slog.Logger) ReconnectingOption {
	return func(r *Reconnecting) { r.logger = logger }
}

// NewReconnecting wraps inner with the given reconnection policy.
func NewReconnecting(inner domain.MarketDataStream, cfg ReconnectConfig, opts ...ReconnectingOption) *Reconnecting {
	r := &Reconnecting{
		inner:  inner,
		cfg:    cfg,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(
		slog.String("component", "reconnecting_stream"),
		slog.String("exchange", inner.ExchangeName()),
	)
	r.backoff = newBackoffState(cfg, r.clock)
	return r
}

// Connect connects the inner stream. Success resets the backoff state.
func (r *Reconnecting) Connect(ctx context.Context) error {
	if err := r.inner.Connect(ctx); err != nil {
		return err
	}
	r.connected = true
	r.backoff.reset()
	return nil
}

// Subscribe remembers keys for future reconnects and forwards them.
func (r *Reconnecting) Subscribe(ctx context.Context, keys []domain.TokenID) error {
	r.keys = slices.Clone(keys)
	return r.inner.Subscribe(ctx, keys)
}

// NextEvent returns the next non-disconnect event. It reconnects as many
// times as needed and only returns false once ctx is done.
func (r *Reconnecting) NextEvent(ctx context.Context) (domain.Event, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}

		if !r.connected {
			if err := r.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, false
				}
				r.logger.WarnContext(ctx, "reconnect attempt failed, will retry",
					slog.String("error", err.Error()),
				)
				continue
			}
		}

		ev, ok := r.inner.NextEvent(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil, false
			}
			r.logger.WarnContext(ctx, "stream ended unexpectedly, will reconnect")
			r.markFailed(ctx)
			continue
		}

		if d, isDisconnect := ev.(domain.Disconnected); isDisconnect {
			r.logger.WarnContext(ctx, "connection lost, will reconnect",
				slog.String("reason", d.Reason),
			)
			r.markFailed(ctx)
			continue
		}

		if r.backoff.failures > 0 {
			r.logger.DebugContext(ctx, "event received after reconnect, resetting backoff")
			r.backoff.reset()
		}
		return ev, true
	}
}

// ExchangeName returns the inner stream's exchange name.
func (r *Reconnecting) ExchangeName() string {
	return r.inner.ExchangeName()
}

// Close releases the inner stream's transport when it implements io.Closer.
func (r *Reconnecting) Close() error {
	r.connected = false
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Reconnecting) markFailed(ctx context.Context) {
	r.connected = false
	if r.backoff.recordFailure() {
		r.logger.ErrorContext(ctx, "circuit breaker tripped, pausing reconnection attempts",
			slog.Int("failures", r.backoff.failures),
			slog.Duration("cooldown", r.cfg.CircuitBreakerCooldown),
		)
	}
}

func (r *Reconnecting) reconnect(ctx context.Context) error {
	if !r.backoff.allows() {
		remaining := r.backoff.remaining()
		r.logger.WarnContext(ctx, "circuit breaker open, waiting for cooldown",
			slog.Duration("remaining", remaining),
		)
		if err := sleepCtx(ctx, r.clock, remaining); err != nil {
			return err
		}
		r.backoff.reset()
	}

	delay := r.backoff.nextDelay()
	r.logger.InfoContext(ctx, "reconnecting after delay",
		slog.Duration("delay", delay),
		slog.Int("attempt", r.backoff.failures+1),
	)
	if err := sleepCtx(ctx, r.clock, delay); err != nil {
		return err
	}

	if err := r.inner.Connect(ctx); err != nil {
		r.markFailed(ctx)
		return fmt.Errorf("feed/reconnecting: connect: %w", err)
	}
	r.connected = true

	if len(r.keys) > 0 {
		if err := r.inner.Subscribe(ctx, r.keys); err != nil {
			r.markFailed(ctx)
			return fmt.Errorf("feed/reconnecting: resubscribe %d keys: %w", len(r.keys), err)
		}
	}

	r.logger.InfoContext(ctx, "reconnected")
	r.backoff.reset()
	return nil
}
