package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

const (
	// kalshiWriteWait is the time allowed to write a message to the peer.
	kalshiWriteWait = 10 * time.Second

	// kalshiPongWait is the time allowed to read the next pong message.
	kalshiPongWait = 30 * time.Second

	// kalshiPingPeriod sends pings at this interval. Must be less than pongWait.
	kalshiPingPeriod = (kalshiPongWait * 9) / 10

	// ExchangeName identifies Kalshi in logs and metrics.
	ExchangeName = "kalshi"
)

type frame struct {
	data []byte
	err  error
}

type session struct {
	conn      *websocket.Conn
	frames    chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(kalshiWriteWait),
		)
		_ = s.conn.Close()
	})
}

// Stream is a domain.MarketDataStream over the Kalshi orderbook_delta
// channel. Subscription keys are market tickers. Snapshots and deltas are
// folded into a local ladder so every BookDelta carries absolute sizes.
type Stream struct {
	wsURL  string
	signer *Signer
	dialer websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	sess  *session
	cmdID int64
	books map[string]*ladder
}

// NewStream creates a Kalshi stream. signer may be nil for unauthenticated
// endpoints such as test servers.
//
// wsURL is the WebSocket endpoint, e.g. "wss://api.elections.kalshi.com/trade-api/ws/v2".
func NewStream(wsURL string, signer *Signer, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		wsURL:  wsURL,
		signer: signer,
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger.With(slog.String("component", "kalshi_stream")),
		books:  make(map[string]*ladder),
	}
}

// Connect dials the WebSocket, signing the handshake when a signer is set.
// The connection is closed when ctx is done.
func (s *Stream) Connect(ctx context.Context) error {
	var header http.Header
	if s.signer != nil {
		u, err := url.Parse(s.wsURL)
		if err != nil {
			return fmt.Errorf("kalshi/ws: parse url: %w", err)
		}
		header, err = s.signer.Headers(http.MethodGet, u.Path)
		if err != nil {
			return fmt.Errorf("kalshi/ws: %w", err)
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return fmt.Errorf("kalshi/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(kalshiWriteWait))
	})

	sess := &session{
		conn:   conn,
		frames: make(chan frame, 64),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.sess
	s.sess = sess
	s.books = make(map[string]*ladder)
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go s.readLoop(sess)
	go s.pingLoop(sess)
	go func() {
		select {
		case <-ctx.Done():
			sess.close()
		case <-sess.done:
		}
	}()

	s.logger.InfoContext(ctx, "websocket connected", slog.String("url", s.wsURL))
	return nil
}

// Subscribe subscribes to orderbook updates for the given market tickers.
func (s *Stream) Subscribe(ctx context.Context, keys []domain.TokenID) error {
	tickers := make([]string, len(keys))
	for i, k := range keys {
		tickers[i] = string(k)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		return fmt.Errorf("kalshi/ws: subscribe: %w", domain.ErrNotConnected)
	}

	s.cmdID++
	cmd := KalshiWSSubscribeCmd{
		ID:  s.cmdID,
		Cmd: "subscribe",
		Params: KalshiWSSubscribeParams{
			Channels: []string{"orderbook_delta", "market_lifecycle_v2"},
			Tickers:  tickers,
		},
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("kalshi/ws: marshal subscribe: %w", err)
	}

	s.sess.conn.SetWriteDeadline(time.Now().Add(kalshiWriteWait))
	if err := s.sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("kalshi/ws: subscribe %d tickers: %w", len(tickers), err)
	}
	return nil
}

// NextEvent returns the next parsed event. A read failure yields one
// Disconnected event; after that NextEvent returns false until the next
// Connect.
func (s *Stream) NextEvent(ctx context.Context) (domain.Event, bool) {
	for {
		s.mu.Lock()
		sess := s.sess
		s.mu.Unlock()

		if sess == nil {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case f := <-sess.frames:
			if f.err != nil {
				s.mu.Lock()
				if s.sess == sess {
					s.sess = nil
				}
				s.mu.Unlock()
				sess.close()
				return domain.Disconnected{Reason: f.err.Error()}, true
			}
			if ev, ok := s.handleMessage(ctx, f.data); ok {
				return ev, true
			}
		}
	}
}

// ExchangeName returns "kalshi".
func (s *Stream) ExchangeName() string { return ExchangeName }

// Close shuts down the WebSocket connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess != nil {
		sess.close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (s *Stream) readLoop(sess *session) {
	for {
		_, message, err := sess.conn.ReadMessage()
		select {
		case sess.frames <- frame{data: message, err: err}:
		case <-sess.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) pingLoop(sess *session) {
	ticker := time.NewTicker(kalshiPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(kalshiWriteWait)); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw WebSocket message and converts it to an event.
func (s *Stream) handleMessage(ctx context.Context, raw []byte) (domain.Event, bool) {
	var envelope KalshiWSMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.logger.WarnContext(ctx, "failed to parse message", slog.String("error", err.Error()))
		return nil, false
	}
	now := time.Now()

	switch envelope.Type {
	case "orderbook_snapshot":
		var ob KalshiWSOrderbook
		if err := json.Unmarshal(envelope.Msg, &ob); err != nil || ob.Ticker == "" {
			return nil, false
		}
		l := newLadder(ob)
		s.mu.Lock()
		s.books[ob.Ticker] = l
		s.mu.Unlock()
		return domain.BookSnapshot{Key: domain.TokenID(ob.Ticker), Book: l.book(ob.Ticker, now)}, true

	case "orderbook_delta":
		var d KalshiWSDelta
		if err := json.Unmarshal(envelope.Msg, &d); err != nil || d.Ticker == "" {
			return nil, false
		}
		s.mu.Lock()
		l, ok := s.books[d.Ticker]
		if !ok {
			l = newLadder(KalshiWSOrderbook{Ticker: d.Ticker})
			s.books[d.Ticker] = l
		}
		q := l.apply(d)
		s.mu.Unlock()
		return domain.BookDelta{Key: domain.TokenID(d.Ticker), Book: deltaBook(d, q, now)}, true

	case "market_lifecycle_v2", "market_lifecycle":
		var m KalshiWSLifecycle
		if err := json.Unmarshal(envelope.Msg, &m); err != nil {
			return nil, false
		}
		return LifecycleToDomain(m)

	case "error":
		s.logger.WarnContext(ctx, "server error message", slog.String("msg", string(envelope.Msg)))
		return nil, false

	default:
		return nil, false
	}
}
