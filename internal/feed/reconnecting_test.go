package feed

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

func TestReconnectingHidesDisconnectAndResubscribes(t *testing.T) {
	ctx := context.Background()
	inner := newScripted(delta("a", 40), domain.Disconnected{Reason: "eof"}, delta("b", 41))
	r := NewReconnecting(inner, testReconnectConfig(), WithReconnectLogger(discardLogger()))

	subs := []domain.TokenID{"a", "b"}
	require.NoError(t, r.Connect(ctx))
	require.NoError(t, r.Subscribe(ctx, subs))

	ev, ok := r.NextEvent(ctx)
	require.True(t, ok)
	assert.Equal(t, delta("a", 40), ev)

	ev, ok = r.NextEvent(ctx)
	require.True(t, ok)
	assert.Equal(t, delta("b", 41), ev)

	assert.Equal(t, int64(2), inner.connects.Load())
	assert.Equal(t, int64(2), inner.subscribes.Load())
	assert.Equal(t, subs, inner.lastKeys())
	assert.Equal(t, 0, r.backoff.failures)
}

func TestReconnectingSubscribeCopiesKeys(t *testing.T) {
	inner := newScripted()
	r := NewReconnecting(inner, testReconnectConfig(), WithReconnectLogger(discardLogger()))

	subs := []domain.TokenID{"a"}
	require.NoError(t, r.Subscribe(context.Background(), subs))
	subs[0] = "mutated"
	assert.Equal(t, []domain.TokenID{"a"}, r.keys)
}

func TestReconnectingConnectErrorPropagates(t *testing.T) {
	r := NewReconnecting(newFailing(), testReconnectConfig(), WithReconnectLogger(discardLogger()))
	err := r.Connect(context.Background())
	assert.ErrorIs(t, err, errFakeConnect)
}

func TestReconnectingStopsOnCancel(t *testing.T) {
	inner := newScripted()
	r := NewReconnecting(inner, testReconnectConfig(), WithReconnectLogger(discardLogger()))
	require.NoError(t, r.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := r.NextEvent(ctx)
		done <- ok
	}()
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("NextEvent did not return after cancel")
	}
}

func TestReconnectingCircuitBreakerDefersAttempts(t *testing.T) {
	mock := clock.NewMock()
	cfg := testReconnectConfig()
	cfg.CircuitBreakerCooldown = time.Minute

	inner := newFailing()
	r := NewReconnecting(inner, cfg,
		WithReconnectClock(mock),
		WithReconnectLogger(discardLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		ev domain.Event
		ok bool
	}
	done := make(chan result, 1)
	go func() {
		ev, ok := r.NextEvent(ctx)
		done <- result{ev, ok}
	}()

	require.Eventually(t, func() bool { return inner.connects.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	// The breaker is open: no further attempts until the cooldown passes.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), inner.connects.Load())

	inner.fail.Store(false)
	var res result
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, res.ok)
	assert.Equal(t, delta("recovered", 10), res.ev)
	assert.Equal(t, int64(4), inner.connects.Load())
	assert.Equal(t, 0, r.backoff.failures)
	assert.False(t, r.backoff.circuit.open())
}

func TestReconnectingResubscribeFailureOpensCircuit(t *testing.T) {
	mock := clock.NewMock()
	cfg := testReconnectConfig()
	cfg.CircuitBreakerCooldown = time.Minute

	inner := &resubscribeFailingStream{}
	r := NewReconnecting(inner, cfg,
		WithReconnectClock(mock),
		WithReconnectLogger(discardLogger()),
	)

	require.NoError(t, r.Connect(context.Background()))
	require.NoError(t, r.Subscribe(context.Background(), []domain.TokenID{"a"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := r.NextEvent(ctx)
		done <- ok
	}()

	// One failure for the disconnect, then one per rejected resubscribe.
	require.Eventually(t, func() bool { return inner.subscribes.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), inner.subscribes.Load(), "no attempts while the breaker is open")
	assert.Equal(t, int64(3), inner.connects.Load())

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("NextEvent did not return after cancel")
	}
	assert.Equal(t, 3, r.backoff.failures)
	assert.True(t, r.backoff.circuit.open())
}

func TestReconnectingCloseReleasesInner(t *testing.T) {
	inner := newScripted()
	r := NewReconnecting(inner, testReconnectConfig(), WithReconnectLogger(discardLogger()))
	require.NoError(t, r.Connect(context.Background()))

	require.NoError(t, r.Close())
	assert.Equal(t, int64(1), inner.closes.Load())
	assert.False(t, r.connected)
}

func TestReconnectingExchangeName(t *testing.T) {
	r := NewReconnecting(newScripted(), testReconnectConfig())
	assert.Equal(t, "fake", r.ExchangeName())
}
