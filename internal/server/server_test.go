package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbfeed/internal/domain"
	"github.com/alanyoungcy/arbfeed/internal/server/handler"
	"github.com/alanyoungcy/arbfeed/internal/server/middleware"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type idleStream struct{}

func (idleStream) Connect(context.Context) error                     { return nil }
func (idleStream) Subscribe(context.Context, []domain.TokenID) error { return nil }
func (idleStream) ExchangeName() string                              { return "polymarket" }
func (idleStream) NextEvent(ctx context.Context) (domain.Event, bool) {
	<-ctx.Done()
	return nil, false
}

type pooledStream struct {
	idleStream
	stats domain.PoolStats
}

func (p pooledStream) PoolStats() (domain.PoolStats, bool) { return p.stats, true }

func newTestServer(t *testing.T, stream domain.MarketDataStream, checks ...handler.HealthCheck) *httptest.Server {
	t.Helper()
	mock := clock.NewMock()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "arbfeed_test_total", Help: "test"}))

	srv := New(Config{Port: 0}, Handlers{
		Health:  handler.NewHealthHandler("stream", "polymarket", mock, quietLogger(), checks...),
		Stats:   handler.NewStatsHandler(stream, func() uint64 { return 42 }),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, quietLogger())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestHealthOK(t *testing.T) {
	ts := newTestServer(t, idleStream{}, handler.HealthCheck{
		Name:  "redis",
		Check: func(context.Context) error { return nil },
	})

	var body map[string]any
	resp := getJSON(t, ts.URL+"/api/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "stream", body["mode"])
	assert.Equal(t, "polymarket", body["exchange"])
	assert.Equal(t, map[string]any{"redis": "ok"}, body["checks"])
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
}

func TestHealthDegraded(t *testing.T) {
	ts := newTestServer(t, idleStream{},
		handler.HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }},
		handler.HealthCheck{Name: "s3", Check: func(context.Context) error { return errors.New("bucket missing") }},
	)

	var body map[string]any
	resp := getJSON(t, ts.URL+"/api/health", &body)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok", "s3": "bucket missing"}, body["checks"])
}

func TestStats(t *testing.T) {
	stats := domain.PoolStats{ActiveConnections: 3, TotalRotations: 7, TotalRestarts: 1, EventsDropped: 9}
	ts := newTestServer(t, pooledStream{stats: stats})

	var body struct {
		Exchange        string           `json:"exchange"`
		Pool            domain.PoolStats `json:"pool"`
		EventsProcessed uint64           `json:"events_processed"`
	}
	resp := getJSON(t, ts.URL+"/api/stats", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "polymarket", body.Exchange)
	assert.Equal(t, stats, body.Pool)
	assert.Equal(t, uint64(42), body.EventsProcessed)
}

func TestStatsUnavailable(t *testing.T) {
	ts := newTestServer(t, idleStream{})

	var body map[string]string
	resp := getJSON(t, ts.URL+"/api/stats", &body)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "pool statistics unavailable", body["error"])
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, idleStream{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "arbfeed_test_total 0")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	ts := newTestServer(t, idleStream{})

	resp, err := http.Get(ts.URL + "/api/orders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/stats", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, idleStream{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-123", resp.Header.Get(middleware.RequestIDHeader))
}

func TestRecoverMiddleware(t *testing.T) {
	h := middleware.Recover(quietLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServeAndShutdown(t *testing.T) {
	srv := New(Config{}, Handlers{
		Health: handler.NewHealthHandler("monitor", "kalshi", nil, quietLogger()),
		Stats:  handler.NewStatsHandler(idleStream{}, nil),
	}, quietLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
