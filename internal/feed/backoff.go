package feed

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// circuit is the breaker state of one Reconnecting stream. A zero reopenAt
// means the circuit is closed.
type circuit struct {
	reopenAt time.Time
}

func (c circuit) open() bool { return !c.reopenAt.IsZero() }

// backoffState tracks consecutive failures, the exponential delay base and the
// circuit breaker. It is owned by a single Reconnecting and is not safe for
// concurrent use.
type backoffState struct {
	cfg      ReconnectConfig
	clock    clock.Clock
	exp      *backoff.ExponentialBackOff
	failures int
	circuit  circuit
}

func newBackoffState(cfg ReconnectConfig, clk clock.Clock) *backoffState {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Clock = clk
	exp.Reset()

	return &backoffState{cfg: cfg, clock: clk, exp: exp}
}

// reset clears the failure count, closes the circuit and rewinds the delay
// base to InitialDelay.
func (b *backoffState) reset() {
	b.failures = 0
	b.circuit = circuit{}
	b.exp.Reset()
}

// nextDelay returns base+jitter, jitter in [0, base/5], and advances the base
// to min(base*multiplier, MaxDelay).
func (b *backoffState) nextDelay() time.Duration {
	base := b.exp.NextBackOff()
	if base < 0 {
		// backoff.Stop is unreachable with MaxElapsedTime=0.
		base = b.cfg.MaxDelay
	}
	return base + jitter(base)
}

// recordFailure counts a failed attempt and opens the circuit once the
// threshold is reached.
func (b *backoffState) recordFailure() (opened bool) {
	b.failures++
	if b.failures >= b.cfg.MaxConsecutiveFailures {
		b.circuit = circuit{reopenAt: b.clock.Now().Add(b.cfg.CircuitBreakerCooldown)}
		return true
	}
	return false
}

// allows reports whether a connection attempt may proceed now. An expired
// open circuit is closed and the backoff reset as a side effect.
func (b *backoffState) allows() bool {
	if !b.circuit.open() {
		return true
	}
	if !b.clock.Now().Before(b.circuit.reopenAt) {
		b.reset()
		return true
	}
	return false
}

// remaining returns how long the open circuit still has to cool down.
func (b *backoffState) remaining() time.Duration {
	if !b.circuit.open() {
		return 0
	}
	d := b.circuit.reopenAt.Sub(b.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func jitter(base time.Duration) time.Duration {
	window := int64(base / 5)
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(window + 1))
}

// sleepCtx waits for d on clk, returning early with ctx.Err() when ctx is done.
func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
