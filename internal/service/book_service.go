package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// EventObserver receives pipeline counters.
type EventObserver interface {
	ObserveEvent(kind string)
	ObserveSinkError(sink string)
}

// Sinks are the destinations a BookService writes to. Nil sinks are skipped,
// so a BookService with no sinks only logs what it drains.
type Sinks struct {
	Books   domain.BookCache
	Bus     domain.SignalBus
	Markets domain.MarketStore
	Archive domain.EventArchiver
	Alerts  domain.Alerter
}

// BookService drains a market-data stream into the configured sinks: books go
// to the book cache, settlements to the signal bus and market store, and
// everything to the archive. Settlements and pool health changes raise
// operator alerts. A sink failure is logged and counted; it never
// stops the drain.
type BookService struct {
	stream     domain.MarketDataStream
	sinks      Sinks
	observer   EventObserver
	statsEvery time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	processed atomic.Uint64
	settled   atomic.Uint64

	// Last reported pool state, for alerting on transitions.
	statsMu     sync.Mutex
	lastActive  int
	lastDropped uint64
}

// NewBookService creates a BookService. observer may be nil. A statsInterval
// of zero disables the periodic pool stats report.
func NewBookService(
	stream domain.MarketDataStream,
	sinks Sinks,
	observer EventObserver,
	statsInterval time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
) *BookService {
	if clk == nil {
		clk = clock.New()
	}
	return &BookService{
		stream:     stream,
		sinks:      sinks,
		observer:   observer,
		statsEvery: statsInterval,
		clock:      clk,
		logger:     logger.With(slog.String("component", "book_service")),
		lastActive: -1,
	}
}

// Run drains the stream until it ends or ctx is done. Call in a goroutine.
func (s *BookService) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	statsCtx, stopStats := context.WithCancel(gctx)

	g.Go(func() error {
		defer stopStats()
		s.drain(gctx)
		return nil
	})
	if s.statsEvery > 0 {
		g.Go(func() error {
			s.reportStats(statsCtx)
			return nil
		})
	}

	err := g.Wait()
	s.logger.InfoContext(ctx, "book service stopped",
		slog.Uint64("processed", s.processed.Load()),
		slog.Uint64("settled", s.settled.Load()),
	)
	return err
}

// Processed returns the number of events handled so far.
func (s *BookService) Processed() uint64 { return s.processed.Load() }

// Settled returns the number of settlements handled so far.
func (s *BookService) Settled() uint64 { return s.settled.Load() }

// Handle routes one event to the sinks.
func (s *BookService) Handle(ctx context.Context, ev domain.Event) {
	s.processed.Add(1)
	if s.observer != nil {
		s.observer.ObserveEvent(ev.Kind())
	}

	switch e := ev.(type) {
	case domain.BookSnapshot:
		s.logger.DebugContext(ctx, "book snapshot",
			slog.String("token", string(e.Key)),
			slog.String("mid", e.Book.MidPrice().String()),
		)
		if s.sinks.Books != nil {
			s.sinkErr(ctx, "cache", s.sinks.Books.SetSnapshot(ctx, withKey(e.Key, e.Book)))
		}
	case domain.BookDelta:
		if s.sinks.Books != nil {
			s.sinkErr(ctx, "cache", s.sinks.Books.ApplyDelta(ctx, withKey(e.Key, e.Book)))
		}
	case domain.Settled:
		s.settled.Add(1)
		s.handleSettled(ctx, e)
	default:
		s.logger.DebugContext(ctx, "lifecycle event", slog.String("kind", ev.Kind()))
		return
	}

	if s.sinks.Archive != nil {
		s.sinkErr(ctx, "archive", s.sinks.Archive.Append(ctx, ev))
	}
}

// PublishStats logs the current pool statistics, publishes them to the signal
// bus and alerts when the pool goes down, recovers or starts dropping events.
// It is a no-op for streams that do not report statistics.
func (s *BookService) PublishStats(ctx context.Context) {
	stats, ok := domain.StatsOf(s.stream)
	if !ok {
		return
	}
	s.logger.InfoContext(ctx, "pool stats",
		slog.Int("active_connections", stats.ActiveConnections),
		slog.Uint64("rotations", stats.TotalRotations),
		slog.Uint64("restarts", stats.TotalRestarts),
		slog.Uint64("dropped", stats.EventsDropped),
		slog.Uint64("processed", s.processed.Load()),
	)
	s.alertPoolChanges(ctx, stats)
	if s.sinks.Bus == nil {
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		s.sinkErr(ctx, "bus", fmt.Errorf("book_service: marshal stats: %w", err))
		return
	}
	s.sinkErr(ctx, "bus", s.sinks.Bus.Publish(ctx, domain.ChannelPoolStats, data))
}

func (s *BookService) drain(ctx context.Context) {
	for {
		ev, ok := s.stream.NextEvent(ctx)
		if !ok {
			return
		}
		s.Handle(ctx, ev)
	}
}

func (s *BookService) reportStats(ctx context.Context) {
	ticker := s.clock.Ticker(s.statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PublishStats(ctx)
		}
	}
}

func (s *BookService) handleSettled(ctx context.Context, e domain.Settled) {
	s.logger.InfoContext(ctx, "market settled",
		slog.String("market", string(e.Market)),
		slog.String("outcome", e.Outcome),
	)

	if s.sinks.Bus != nil {
		data, err := json.Marshal(e)
		if err != nil {
			s.sinkErr(ctx, "bus", fmt.Errorf("book_service: marshal settled: %w", err))
		} else {
			s.sinkErr(ctx, "bus", s.sinks.Bus.Publish(ctx, domain.ChannelSettled, data))
			s.sinkErr(ctx, "bus", s.sinks.Bus.StreamAppend(ctx, domain.StreamSettled, data))
		}
	}

	if s.sinks.Markets != nil {
		err := s.sinks.Markets.MarkSettled(ctx, e.Market)
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "settled market not tracked", slog.String("market", string(e.Market)))
			return
		}
		s.sinkErr(ctx, "store", err)
	}

	s.alert(ctx, domain.AlertMarketSettled,
		"Market settled",
		fmt.Sprintf("%s market %s settled: %s", s.stream.ExchangeName(), e.Market, e.Outcome),
	)
}

func (s *BookService) alertPoolChanges(ctx context.Context, stats domain.PoolStats) {
	s.statsMu.Lock()
	prevActive, prevDropped := s.lastActive, s.lastDropped
	s.lastActive, s.lastDropped = stats.ActiveConnections, stats.EventsDropped
	s.statsMu.Unlock()

	exchange := s.stream.ExchangeName()
	switch {
	case stats.ActiveConnections == 0 && prevActive != 0:
		s.alert(ctx, domain.AlertPoolDown,
			"Feed pool down",
			fmt.Sprintf("%s pool has no active connections (%d restarts so far)", exchange, stats.TotalRestarts),
		)
	case stats.ActiveConnections > 0 && prevActive == 0:
		s.alert(ctx, domain.AlertPoolRecovered,
			"Feed pool recovered",
			fmt.Sprintf("%s pool is back with %d active connections", exchange, stats.ActiveConnections),
		)
	}
	if stats.EventsDropped > prevDropped {
		s.alert(ctx, domain.AlertEventsDropped,
			"Feed dropping events",
			fmt.Sprintf("%s pool dropped %d events since the last report", exchange, stats.EventsDropped-prevDropped),
		)
	}
}

func (s *BookService) alert(ctx context.Context, event, title, message string) {
	if s.sinks.Alerts == nil {
		return
	}
	s.sinkErr(ctx, "alerts", s.sinks.Alerts.Notify(ctx, event, title, message))
}

func (s *BookService) sinkErr(ctx context.Context, sink string, err error) {
	if err == nil {
		return
	}
	if s.observer != nil {
		s.observer.ObserveSinkError(sink)
	}
	s.logger.WarnContext(ctx, "sink write failed",
		slog.String("sink", sink),
		slog.String("error", err.Error()),
	)
}

func withKey(key domain.TokenID, b domain.Book) domain.Book {
	if b.TokenID == "" {
		b.TokenID = key
	}
	return b
}
