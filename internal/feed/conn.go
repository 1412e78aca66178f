package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// connection is one live member of a Pool.
type connection struct {
	id        uint64
	keys      []domain.TokenID
	spawnedAt time.Time
	// lastEvent holds unix milliseconds of the most recent event. It starts at
	// the spawn time so a fresh connection is never considered silent.
	lastEvent atomic.Int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// finished reports whether the connection goroutine has exited.
func (c *connection) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// touch advances lastEvent to ms, never moving it backwards.
func (c *connection) touch(ms int64) {
	for {
		old := c.lastEvent.Load()
		if ms <= old || c.lastEvent.CompareAndSwap(old, ms) {
			return
		}
	}
}

// counters are the cumulative pool statistics.
type counters struct {
	rotations     atomic.Uint64
	restarts      atomic.Uint64
	eventsDropped atomic.Uint64
}

// spawn starts a connection goroutine for keys as a child of parent.
func (p *Pool) spawn(parent context.Context, id uint64, keys []domain.TokenID) *connection {
	ctx, cancel := context.WithCancel(parent)
	now := p.clock.Now()
	c := &connection{
		id:        id,
		keys:      keys,
		spawnedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.lastEvent.Store(now.UnixMilli())

	stream := NewReconnecting(p.factory.NewStream(), p.reconnect,
		WithReconnectClock(p.clock),
		WithReconnectLogger(p.logger),
	)

	go func() {
		defer close(c.done)
		p.runConnection(ctx, c, stream)
	}()
	return c
}

func (p *Pool) runConnection(ctx context.Context, c *connection, stream *Reconnecting) {
	logger := p.logger.With(slog.Uint64("connection_id", c.id))
	logger.DebugContext(ctx, "connection starting", slog.Int("keys", len(c.keys)))
	defer func() {
		if err := stream.Close(); err != nil {
			logger.DebugContext(ctx, "connection close failed", slog.String("error", err.Error()))
		}
	}()

	if err := stream.Connect(ctx); err != nil {
		logger.WarnContext(ctx, "connection failed to connect", slog.String("error", err.Error()))
		return
	}
	if err := stream.Subscribe(ctx, c.keys); err != nil {
		logger.WarnContext(ctx, "connection failed to subscribe", slog.String("error", err.Error()))
		return
	}
	logger.DebugContext(ctx, "connection subscribed", slog.Int("keys", len(c.keys)))

	for {
		ev, ok := stream.NextEvent(ctx)
		if !ok {
			logger.DebugContext(ctx, "connection stream ended")
			return
		}
		c.touch(p.clock.Now().UnixMilli())

		select {
		case <-p.closed:
			return
		default:
		}

		select {
		case p.events <- ev:
		default:
			n := p.counters.eventsDropped.Add(1)
			if n == 1 || n%1000 == 0 {
				logger.WarnContext(ctx, "event queue full, dropping event",
					slog.String("kind", ev.Kind()),
					slog.Uint64("dropped_total", n),
				)
			}
		}
	}
}
