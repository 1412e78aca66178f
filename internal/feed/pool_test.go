package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

func newTestPool(t *testing.T, cfg PoolConfig, f domain.StreamFactory) *Pool {
	t.Helper()
	p, err := NewPool(cfg, testReconnectConfig(), f, "fake", WithPoolLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestDistribute(t *testing.T) {
	tests := []struct {
		name     string
		keys     int
		perConn  int
		maxConns int
		want     []int
	}{
		{"empty", 0, 500, 10, nil},
		{"single partial", 10, 500, 10, []int{10}},
		{"exact fit", 1000, 500, 10, []int{500, 500}},
		{"remainder", 1250, 500, 10, []int{500, 500, 250}},
		{"overflow into last", 5000, 500, 3, []int{500, 500, 4000}},
		{"one per connection", 3, 1, 10, []int{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := keys(tt.keys)
			chunks := distribute(in, tt.perConn, tt.maxConns)

			var sizes []int
			var flat []domain.TokenID
			for _, c := range chunks {
				sizes = append(sizes, len(c))
				flat = append(flat, c...)
			}
			assert.Equal(t, tt.want, sizes)
			if tt.keys > 0 {
				assert.Equal(t, in, flat, "keys keep their order and none are lost")
			}
		})
	}
}

func TestNewPoolRejectsInvalidConfig(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })

	tests := []struct {
		name    string
		mutate  func(*PoolConfig)
		wantErr bool
	}{
		{"valid", func(*PoolConfig) {}, false},
		{"zero ttl", func(c *PoolConfig) { c.ConnectionTTL = 0 }, true},
		{"preemptive not below ttl", func(c *PoolConfig) { c.PreemptiveReconnect = c.ConnectionTTL }, true},
		{"zero max connections", func(c *PoolConfig) { c.MaxConnections = 0 }, true},
		{"zero keys per connection", func(c *PoolConfig) { c.SubscriptionsPerConnection = 0 }, true},
		{"zero health check interval", func(c *PoolConfig) { c.HealthCheckInterval = 0 }, true},
		{"zero max silent", func(c *PoolConfig) { c.MaxSilent = 0 }, true},
		{"zero channel capacity", func(c *PoolConfig) { c.ChannelCapacity = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testPoolConfig(10, 500)
			tt.mutate(&cfg)
			p, err := NewPool(cfg, testReconnectConfig(), f, "fake", WithPoolLogger(discardLogger()))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.NoError(t, p.Close())
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
			assert.Nil(t, p)
		})
	}

	t.Run("reconnect multiplier below one", func(t *testing.T) {
		rc := testReconnectConfig()
		rc.Multiplier = 0.5
		_, err := NewPool(testPoolConfig(10, 500), rc, f, "fake")
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})

	t.Run("nil factory", func(t *testing.T) {
		_, err := NewPool(testPoolConfig(10, 500), testReconnectConfig(), nil, "fake")
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})
}

func TestPoolSpawnsOneConnectionPerChunk(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 500), f)

	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Subscribe(context.Background(), keys(1250)))

	assert.Equal(t, 3, p.Stats().ActiveConnections)
	assert.Equal(t, 3, f.created())

	require.Eventually(t, func() bool {
		for i := range 3 {
			if f.stream(i).(*scriptedStream).subscribes.Load() != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	total := 0
	for i := range 3 {
		total += len(f.stream(i).(*scriptedStream).lastKeys())
	}
	assert.Equal(t, 1250, total)
}

func TestPoolCapsConnections(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(3, 500), f)

	require.NoError(t, p.Subscribe(context.Background(), keys(5000)))
	assert.Equal(t, 3, p.Stats().ActiveConnections)

	require.Eventually(t, func() bool {
		total := 0
		for i := range 3 {
			total += len(f.stream(i).(*scriptedStream).lastKeys())
		}
		return total == 5000
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolEmptySubscribe(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 500), f)

	require.NoError(t, p.Subscribe(context.Background(), nil))
	assert.Equal(t, 0, p.Stats().ActiveConnections)
	assert.Equal(t, 0, f.created())
}

func TestPoolResubscribeTearsDownPrevious(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 2), f)
	ctx := context.Background()

	require.NoError(t, p.Subscribe(ctx, keys(4)))
	require.Equal(t, 2, p.Stats().ActiveConnections)
	require.Eventually(t, func() bool {
		return f.stream(0).(*scriptedStream).subscribes.Load() == 1 &&
			f.stream(1).(*scriptedStream).subscribes.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Subscribe(ctx, keys(6)))
	assert.Equal(t, 3, p.Stats().ActiveConnections)
	assert.Equal(t, 5, f.created())

	require.Eventually(t, func() bool {
		return f.stream(0).(*scriptedStream).stopped.Load() &&
			f.stream(1).(*scriptedStream).stopped.Load()
	}, 2*time.Second, 5*time.Millisecond, "old connections are cancelled")

	for i := 2; i < 5; i++ {
		assert.False(t, f.stream(i).(*scriptedStream).stopped.Load())
	}
}

func TestPoolDeliversScriptInOrder(t *testing.T) {
	script := []domain.Event{delta("a", 1), delta("a", 2), delta("a", 3), delta("a", 4), delta("a", 5)}
	f := newFactory(func(int) domain.MarketDataStream { return newScripted(script...) })
	p := newTestPool(t, testPoolConfig(10, 500), f)

	require.NoError(t, p.Subscribe(context.Background(), []domain.TokenID{"a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, want := range script {
		ev, ok := p.NextEvent(ctx)
		require.True(t, ok, "event %d", i)
		assert.Equal(t, want, ev)
	}
}

func TestPoolMergesAllConnections(t *testing.T) {
	f := newFactory(func(i int) domain.MarketDataStream {
		return newScripted(delta(string(rune('a'+i)), int64(i)))
	})
	p := newTestPool(t, testPoolConfig(10, 1), f)
	require.NoError(t, p.Subscribe(context.Background(), keys(3)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seen := map[domain.TokenID]bool{}
	for range 3 {
		ev, ok := p.NextEvent(ctx)
		require.True(t, ok)
		key, _ := domain.EventKey(ev)
		seen[key] = true
	}
	assert.Len(t, seen, 3)
}

func TestPoolDropsNewestWhenFull(t *testing.T) {
	cfg := testPoolConfig(10, 500)
	cfg.ChannelCapacity = 2
	f := newFactory(func(int) domain.MarketDataStream { return newCycling(delta("a", 1), delta("a", 2)) })
	p := newTestPool(t, cfg, f)

	require.NoError(t, p.Subscribe(context.Background(), []domain.TokenID{"a"}))

	require.Eventually(t, func() bool { return p.Stats().EventsDropped >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, p.events, 2)

	// The queued events are the oldest ones.
	ctx := context.Background()
	ev, ok := p.NextEvent(ctx)
	require.True(t, ok)
	assert.Equal(t, delta("a", 1), ev)
}

func TestPoolNextEventAfterClose(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 500), f)
	require.NoError(t, p.Subscribe(context.Background(), []domain.TokenID{"a"}))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, ok := p.NextEvent(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 0, p.Stats().ActiveConnections)

	err := p.Subscribe(context.Background(), []domain.TokenID{"a"})
	assert.ErrorIs(t, err, domain.ErrStreamClosed)

	require.Eventually(t, func() bool {
		return f.stream(0).(*scriptedStream).stopped.Load()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolCloseReleasesStreams(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 1), f)
	require.NoError(t, p.Subscribe(context.Background(), keys(3)))
	require.NoError(t, p.Close())

	require.Equal(t, 3, f.created())
	for i := range 3 {
		s := f.stream(i).(*scriptedStream)
		require.Eventually(t, func() bool {
			return s.closes.Load() == 1
		}, 2*time.Second, 5*time.Millisecond, "stream %d", i)
	}
}

func TestPoolNextEventHonoursContext(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 500), f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := p.NextEvent(ctx)
	assert.False(t, ok)
}

func TestPoolStatsProvider(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 500), f)

	stats, ok := domain.StatsOf(p)
	require.True(t, ok)
	assert.Equal(t, domain.PoolStats{}, stats)
	assert.Equal(t, "fake", p.ExchangeName())
}

func TestLockConnsRecoversFromPanic(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 1), f)
	require.NoError(t, p.Subscribe(context.Background(), keys(2)))

	assert.NotPanics(t, func() {
		p.lockConns(func([]*connection) []*connection { panic("boom") })
	})
	assert.Equal(t, 2, p.Stats().ActiveConnections)
}

func TestPoolStatsDoesNotWaitOnConnectionList(t *testing.T) {
	f := newFactory(func(int) domain.MarketDataStream { return newScripted() })
	p := newTestPool(t, testPoolConfig(10, 1), f)
	require.NoError(t, p.Subscribe(context.Background(), keys(3)))

	var stats domain.PoolStats
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.lockConns(func(conns []*connection) []*connection {
			stats = p.Stats()
			return conns
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stats blocked on the connection list lock")
	}
	assert.Equal(t, 3, stats.ActiveConnections)

	require.NoError(t, p.Subscribe(context.Background(), keys(1)))
	assert.Equal(t, 1, p.Stats().ActiveConnections)
}
