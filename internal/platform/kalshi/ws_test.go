package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

type handshake struct {
	header http.Header
	path   string
	cmd    []byte
}

// mockExchange accepts one WebSocket, reports the handshake and the first
// command on seen, writes frames and then drops the connection.
func mockExchange(t *testing.T, seen chan<- handshake, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		seen <- handshake{header: r.Header.Clone(), path: r.URL.Path, cmd: msg}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/trade-api/ws/v2"
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func open(t *testing.T, srv *httptest.Server, signer *Signer, seen <-chan handshake, tickers ...domain.TokenID) (*Stream, handshake) {
	t.Helper()
	s := NewStream(wsURL(srv), signer, quietLogger())
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Subscribe(ctx, tickers))

	select {
	case hs := <-seen:
		return s, hs
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a command")
		return nil, handshake{}
	}
}

func next(t *testing.T, s *Stream) domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := s.NextEvent(ctx)
	require.True(t, ok, "expected an event")
	return ev
}

func dollars(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStreamSubscribeCommand(t *testing.T) {
	seen := make(chan handshake, 1)
	srv := mockExchange(t, seen)

	_, hs := open(t, srv, nil, seen, "KXBTC-24", "KXETH-24")

	var cmd KalshiWSSubscribeCmd
	require.NoError(t, json.Unmarshal(hs.cmd, &cmd))
	assert.Equal(t, int64(1), cmd.ID)
	assert.Equal(t, "subscribe", cmd.Cmd)
	assert.Equal(t, []string{"orderbook_delta", "market_lifecycle_v2"}, cmd.Params.Channels)
	assert.Equal(t, []string{"KXBTC-24", "KXETH-24"}, cmd.Params.Tickers)
	assert.Empty(t, hs.header.Get("KALSHI-ACCESS-KEY"), "unsigned without credentials")
}

func TestStreamSignsHandshake(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	signer, err := NewSigner("key-id", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	require.NoError(t, err)

	seen := make(chan handshake, 1)
	srv := mockExchange(t, seen)
	_, hs := open(t, srv, signer, seen, "KXBTC-24")

	assert.Equal(t, "key-id", hs.header.Get("KALSHI-ACCESS-KEY"))
	ts := hs.header.Get("KALSHI-ACCESS-TIMESTAMP")
	sig, err := base64.StdEncoding.DecodeString(hs.header.Get("KALSHI-ACCESS-SIGNATURE"))
	require.NoError(t, err)

	digest := sha256.Sum256([]byte(ts + http.MethodGet + hs.path))
	assert.NoError(t, rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}))
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	_, err := NewSigner("key-id", []byte("not a pem"))
	assert.Error(t, err)
}

func TestStreamSnapshotAndDeltas(t *testing.T) {
	seen := make(chan handshake, 1)
	srv := mockExchange(t, seen,
		`{"type":"orderbook_snapshot","sid":1,"seq":1,"msg":{"market_ticker":"KXBTC-24","yes":[[40,100],[45,10]],"no":[{"price":50,"quantity":20}]}}`,
		`{"type":"orderbook_delta","sid":1,"seq":2,"msg":{"market_ticker":"KXBTC-24","price":45,"delta":5,"side":"yes"}}`,
		`{"type":"orderbook_delta","sid":1,"seq":3,"msg":{"market_ticker":"KXBTC-24","price":50,"delta":-20,"side":"no"}}`,
		`{"type":"error","msg":{"code":6,"msg":"already subscribed"}}`,
		`{"type":"orderbook_delta","sid":1,"seq":4,"msg":{"market_ticker":"KXNEW-24","price":30,"delta":7,"side":"yes"}}`,
	)
	s, _ := open(t, srv, nil, seen, "KXBTC-24")

	snap, ok := next(t, s).(domain.BookSnapshot)
	require.True(t, ok)
	assert.Equal(t, domain.TokenID("KXBTC-24"), snap.Key)
	require.Len(t, snap.Book.Bids, 2)
	assert.True(t, snap.Book.Bids[0].Price.Equal(dollars("0.45")), "bids sorted best first")
	assert.True(t, snap.Book.Bids[1].Price.Equal(dollars("0.40")))
	require.Len(t, snap.Book.Asks, 1)
	assert.True(t, snap.Book.Asks[0].Price.Equal(dollars("0.50")), "no bid at 50c is a yes ask at 50c")
	assert.True(t, snap.Book.Asks[0].Size.Equal(decimal.NewFromInt(20)))

	up := next(t, s).(domain.BookDelta)
	require.Len(t, up.Book.Bids, 1)
	assert.True(t, up.Book.Bids[0].Price.Equal(dollars("0.45")))
	assert.True(t, up.Book.Bids[0].Size.Equal(decimal.NewFromInt(15)), "delta is relative to the snapshot")

	removed := next(t, s).(domain.BookDelta)
	require.Len(t, removed.Book.Asks, 1)
	assert.True(t, removed.Book.Asks[0].Size.IsZero())

	fresh := next(t, s).(domain.BookDelta)
	assert.Equal(t, domain.TokenID("KXNEW-24"), fresh.Key)
	assert.True(t, fresh.Book.Bids[0].Size.Equal(decimal.NewFromInt(7)))

	assert.IsType(t, domain.Disconnected{}, next(t, s))
	_, ok = s.NextEvent(context.Background())
	assert.False(t, ok)
}

func TestStreamLifecycle(t *testing.T) {
	seen := make(chan handshake, 1)
	srv := mockExchange(t, seen,
		`{"type":"market_lifecycle_v2","msg":{"market_ticker":"KXBTC-24","event_type":"activated"}}`,
		`{"type":"market_lifecycle_v2","msg":{"market_ticker":"KXBTC-24","event_type":"determined","result":"yes"}}`,
	)
	s, _ := open(t, srv, nil, seen, "KXBTC-24")

	ev := next(t, s)
	settled, ok := ev.(domain.Settled)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, domain.MarketID("KXBTC-24"), settled.Market)
	assert.Equal(t, "yes", settled.Outcome)
}

func TestSubscribeBeforeConnect(t *testing.T) {
	s := NewStream("ws://127.0.0.1:1", nil, quietLogger())
	err := s.Subscribe(context.Background(), []domain.TokenID{"KXBTC-24"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, ExchangeName, s.ExchangeName())
}

func TestLadderApply(t *testing.T) {
	l := newLadder(KalshiWSOrderbook{Yes: []KalshiPriceLevel{{Price: 40, Quantity: 10}}})

	assert.Equal(t, int64(4), l.apply(KalshiWSDelta{Price: 40, Delta: -6, Side: "yes"}))
	assert.Equal(t, int64(0), l.apply(KalshiWSDelta{Price: 40, Delta: -9, Side: "yes"}))
	assert.Empty(t, l.yes)
	assert.Equal(t, int64(3), l.apply(KalshiWSDelta{Price: 60, Delta: 3, Side: "no"}))

	b := l.book("T", time.Time{})
	require.Len(t, b.Asks, 1)
	assert.True(t, b.Asks[0].Price.Equal(dollars("0.40")))
}
