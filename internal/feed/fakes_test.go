package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

var (
	errFakeConnect   = errors.New("fake: connect refused")
	errFakeSubscribe = errors.New("fake: subscribe rejected")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func delta(key string, price int64) domain.Event {
	return domain.BookDelta{
		Key: domain.TokenID(key),
		Book: domain.Book{
			TokenID: domain.TokenID(key),
			Bids:    []domain.PriceLevel{{Price: decimal.New(price, -2), Size: decimal.NewFromInt(1)}},
		},
	}
}

func keys(n int) []domain.TokenID {
	out := make([]domain.TokenID, n)
	for i := range out {
		out[i] = domain.TokenID(fmt.Sprintf("tok-%d", i))
	}
	return out
}

// fakeBase records the calls every fake stream receives.
type fakeBase struct {
	connects   atomic.Int64
	subscribes atomic.Int64
	closes     atomic.Int64
	stopped    atomic.Bool

	mu   sync.Mutex
	subs [][]domain.TokenID
}

// Connect records the call and marks the fake stopped once the connection
// context ends, whether or not NextEvent ever observes it.
func (f *fakeBase) Connect(ctx context.Context) error {
	f.connects.Add(1)
	f.watch(ctx)
	return nil
}

func (f *fakeBase) watch(ctx context.Context) {
	context.AfterFunc(ctx, func() { f.stopped.Store(true) })
}

func (f *fakeBase) Subscribe(_ context.Context, keys []domain.TokenID) error {
	f.subscribes.Add(1)
	f.mu.Lock()
	f.subs = append(f.subs, slices.Clone(keys))
	f.mu.Unlock()
	return nil
}

func (f *fakeBase) ExchangeName() string { return "fake" }

func (f *fakeBase) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeBase) lastKeys() []domain.TokenID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeBase) block(ctx context.Context) (domain.Event, bool) {
	<-ctx.Done()
	f.stopped.Store(true)
	return nil, false
}

// scriptedStream emits its script once and then blocks until cancelled.
type scriptedStream struct {
	fakeBase
	smu    sync.Mutex
	script []domain.Event
	next   int
}

func newScripted(events ...domain.Event) *scriptedStream {
	return &scriptedStream{script: events}
}

func (s *scriptedStream) NextEvent(ctx context.Context) (domain.Event, bool) {
	s.smu.Lock()
	if s.next < len(s.script) {
		ev := s.script[s.next]
		s.next++
		s.smu.Unlock()
		return ev, true
	}
	s.smu.Unlock()
	return s.block(ctx)
}

// cyclingStream emits its events round-robin every 10ms, forever.
type cyclingStream struct {
	fakeBase
	events []domain.Event
	n      int
}

func newCycling(events ...domain.Event) *cyclingStream {
	return &cyclingStream{events: events}
}

func (s *cyclingStream) NextEvent(ctx context.Context) (domain.Event, bool) {
	if len(s.events) == 0 {
		return s.block(ctx)
	}
	select {
	case <-ctx.Done():
		s.stopped.Store(true)
		return nil, false
	case <-time.After(10 * time.Millisecond):
	}
	ev := s.events[s.n%len(s.events)]
	s.n++
	return ev, true
}

// oneThenSilentStream emits a single event and then goes quiet without
// closing.
type oneThenSilentStream struct {
	fakeBase
	sent atomic.Bool
}

func (s *oneThenSilentStream) NextEvent(ctx context.Context) (domain.Event, bool) {
	if s.sent.CompareAndSwap(false, true) {
		return delta("silent", 50), true
	}
	return s.block(ctx)
}

// failingStream refuses to connect while fail is set.
type failingStream struct {
	fakeBase
	fail atomic.Bool
}

func newFailing() *failingStream {
	s := &failingStream{}
	s.fail.Store(true)
	return s
}

func (s *failingStream) Connect(ctx context.Context) error {
	s.connects.Add(1)
	if s.fail.Load() {
		return errFakeConnect
	}
	s.watch(ctx)
	return nil
}

func (s *failingStream) NextEvent(ctx context.Context) (domain.Event, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	default:
	}
	return delta("recovered", 10), true
}

// endingStream connects fine but its stream ends immediately, every time.
type endingStream struct {
	fakeBase
}

func (s *endingStream) NextEvent(context.Context) (domain.Event, bool) {
	return nil, false
}

// resubscribeFailingStream accepts the first Subscribe and rejects every
// later one.
type resubscribeFailingStream struct {
	fakeBase
}

func (s *resubscribeFailingStream) Subscribe(context.Context, []domain.TokenID) error {
	if s.subscribes.Add(1) > 1 {
		return errFakeSubscribe
	}
	return nil
}

func (s *resubscribeFailingStream) NextEvent(context.Context) (domain.Event, bool) {
	return domain.Disconnected{Reason: "reset"}, true
}

// chanStream delivers whatever the test pushes on ch.
type chanStream struct {
	fakeBase
	ch chan domain.Event
}

func newChanStream() *chanStream {
	return &chanStream{ch: make(chan domain.Event, 16)}
}

func (s *chanStream) NextEvent(ctx context.Context) (domain.Event, bool) {
	select {
	case <-ctx.Done():
		s.stopped.Store(true)
		return nil, false
	case ev, ok := <-s.ch:
		return ev, ok
	}
}

// countingFactory builds streams with build and remembers them.
type countingFactory struct {
	build func(i int) domain.MarketDataStream

	mu      sync.Mutex
	streams []domain.MarketDataStream
}

func newFactory(build func(i int) domain.MarketDataStream) *countingFactory {
	return &countingFactory{build: build}
}

func (f *countingFactory) NewStream() domain.MarketDataStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.build(len(f.streams))
	f.streams = append(f.streams, s)
	return s
}

func (f *countingFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *countingFactory) stream(i int) domain.MarketDataStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func testPoolConfig(maxConns, perConn int) PoolConfig {
	return PoolConfig{
		MaxConnections:             maxConns,
		SubscriptionsPerConnection: perConn,
		ConnectionTTL:              120 * time.Second,
		PreemptiveReconnect:        30 * time.Second,
		HealthCheckInterval:        30 * time.Second,
		MaxSilent:                  60 * time.Second,
		ChannelCapacity:            10_000,
	}
}

func testReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:           0,
		MaxDelay:               0,
		Multiplier:             1.0,
		MaxConsecutiveFailures: 3,
		CircuitBreakerCooldown: 0,
	}
}
