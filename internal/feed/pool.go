package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// Pool spreads subscription keys over several Reconnecting connections and
// merges their events into one bounded queue. A background management
// goroutine replaces connections that crash, go silent or approach their
// server-imposed lifetime, handing off to the replacement before the old
// connection is dropped.
//
// Pool implements domain.MarketDataStream. NextEvent is meant for a single
// consumer; Subscribe and Close may be called from any goroutine.
type Pool struct {
	cfg       PoolConfig
	reconnect ReconnectConfig
	factory   domain.StreamFactory
	exchange  string
	clock     clock.Clock
	logger    *slog.Logger

	events    chan domain.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	conns []*connection
	// active mirrors len(conns) so Stats never waits on mu.
	active atomic.Int64

	// genMu serialises Subscribe and Close.
	genMu      sync.Mutex
	genCancel  context.CancelFunc
	manageDone chan struct{}

	nextID    atomic.Uint64
	replaceID atomic.Uint64
	counters  counters
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithPoolClock sets the clock used for ages, timestamps and sleeps.
func WithPoolClock(clk clock.Clock) PoolOption {
	return func(p *Pool) { p.clock = clk }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool validates the configuration and returns an empty pool. No
// connection is opened until Subscribe.
func NewPool(cfg PoolConfig, reconnect ReconnectConfig, factory domain.StreamFactory, exchange string, opts ...PoolOption) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := reconnect.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("feed: pool: nil stream factory: %w", domain.ErrInvalidConfig)
	}

	p := &Pool{
		cfg:       cfg,
		reconnect: reconnect,
		factory:   factory,
		exchange:  exchange,
		clock:     clock.New(),
		logger:    slog.Default(),
		events:    make(chan domain.Event, cfg.ChannelCapacity),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(
		slog.String("component", "connection_pool"),
		slog.String("exchange", exchange),
	)
	p.replaceID.Store(replacementIDStart)
	return p, nil
}

// Connect is a no-op; connections are created by Subscribe.
func (p *Pool) Connect(ctx context.Context) error {
	p.logger.DebugContext(ctx, "connect is a no-op, connections are created on subscribe")
	return nil
}

// Subscribe replaces every existing connection with a fresh set sized for
// keys. Individual connection failures are not reported here; the
// management goroutine detects and replaces them.
func (p *Pool) Subscribe(ctx context.Context, keys []domain.TokenID) error {
	p.genMu.Lock()
	defer p.genMu.Unlock()

	select {
	case <-p.closed:
		return fmt.Errorf("feed: pool: subscribe: %w", domain.ErrStreamClosed)
	default:
	}

	p.teardown()

	if len(keys) == 0 {
		p.logger.InfoContext(ctx, "no keys to subscribe, pool remains empty")
		return nil
	}

	chunks := distribute(keys, p.cfg.SubscriptionsPerConnection, p.cfg.MaxConnections)
	p.logger.InfoContext(ctx, "creating connection pool",
		slog.Int("keys", len(keys)),
		slog.Int("connections", len(chunks)),
		slog.Int("per_connection", p.cfg.SubscriptionsPerConnection),
		slog.Int("max_connections", p.cfg.MaxConnections),
		slog.Int("channel_capacity", p.cfg.ChannelCapacity),
	)

	genCtx, cancel := context.WithCancel(context.Background())
	conns := make([]*connection, 0, len(chunks))
	for i, chunk := range chunks {
		id := p.nextID.Add(1)
		p.logger.InfoContext(ctx, "spawning connection",
			slog.Int("connection", i+1),
			slog.Uint64("connection_id", id),
			slog.Int("keys", len(chunk)),
		)
		conns = append(conns, p.spawn(genCtx, id, chunk))
	}
	p.lockConns(func([]*connection) []*connection { return conns })

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.manage(genCtx)
	}()
	p.genCancel = cancel
	p.manageDone = done
	return nil
}

// NextEvent returns the next merged event. It returns false once ctx is done
// or the pool is closed.
func (p *Pool) NextEvent(ctx context.Context) (domain.Event, bool) {
	select {
	case <-p.closed:
		return nil, false
	default:
	}
	select {
	case ev := <-p.events:
		return ev, true
	case <-ctx.Done():
		return nil, false
	case <-p.closed:
		return nil, false
	}
}

// ExchangeName returns the exchange this pool streams from.
func (p *Pool) ExchangeName() string { return p.exchange }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() domain.PoolStats {
	return domain.PoolStats{
		ActiveConnections: int(p.active.Load()),
		TotalRotations:    p.counters.rotations.Load(),
		TotalRestarts:     p.counters.restarts.Load(),
		EventsDropped:     p.counters.eventsDropped.Load(),
	}
}

// PoolStats implements domain.PoolStatsProvider.
func (p *Pool) PoolStats() (domain.PoolStats, bool) {
	return p.Stats(), true
}

// Close tears down every connection and the management goroutine. The pool
// cannot be reused afterwards.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.genMu.Lock()
		defer p.genMu.Unlock()
		p.teardown()
		p.logger.Info("connection pool closed")
	})
	return nil
}

// teardown cancels the current generation. Caller must hold genMu.
func (p *Pool) teardown() {
	if p.genCancel != nil {
		p.genCancel()
		p.genCancel = nil
	}
	if p.manageDone != nil {
		<-p.manageDone
		p.manageDone = nil
	}
	p.lockConns(func(conns []*connection) []*connection {
		for _, c := range conns {
			c.cancel()
		}
		return nil
	})
}

// lockConns runs fn with the connection list locked and stores its result.
// A panic inside fn is logged and the previous list is kept, so one faulty
// holder cannot wedge the pool.
func (p *Pool) lockConns(fn func([]*connection) []*connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("connection list holder panicked, recovering",
				slog.Any("panic", r),
			)
		}
	}()
	p.conns = fn(p.conns)
	p.active.Store(int64(len(p.conns)))
}

// distribute splits keys into min(ceil(len/perConn), maxConns) chunks of
// perConn keys. Keys beyond maxConns*perConn are appended to the last chunk.
func distribute(keys []domain.TokenID, perConn, maxConns int) [][]domain.TokenID {
	if len(keys) == 0 {
		return nil
	}
	needed := (len(keys) + perConn - 1) / perConn
	if needed > maxConns {
		needed = maxConns
	}

	chunks := make([][]domain.TokenID, 0, needed)
	for i := 0; i < needed; i++ {
		start := i * perConn
		end := start + perConn
		if i == needed-1 || end > len(keys) {
			end = len(keys)
		}
		chunk := make([]domain.TokenID, end-start)
		copy(chunk, keys[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
