package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// ExchangeName identifies Polymarket in logs and metrics.
	ExchangeName = "polymarket"
)

// frame is one read result handed from the read loop to NextEvent.
type frame struct {
	data []byte
	err  error
}

// session is one WebSocket connection and its background loops.
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
			time.Now().Add(writeWait),
		)
		_ = s.conn.Close()
	})
}

// Stream is a domain.MarketDataStream over the Polymarket CLOB market
// channel. It does not reconnect on its own: a lost connection is reported
// as a Disconnected event and the stream then ends until Connect is called
// again.
type Stream struct {
	wsURL  string
	dialer websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	sess    *session
	pending []domain.Event
}

// NewStream creates a stream for the given market-channel URL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewStream(wsURL string, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		wsURL: wsURL,
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger.With(slog.String("component", "polymarket_stream")),
	}
}

// Connect dials the WebSocket. Any previous connection is closed first. The
// connection is closed when ctx is done.
func (s *Stream) Connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sess := &session{
		conn:   conn,
		frames: make(chan frame, 64),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.sess
	s.sess = sess
	s.pending = nil
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

// Subscribe sends a market-channel subscription for keys.
func (s *Stream) Subscribe(ctx context.Context, keys []domain.TokenID) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", domain.ErrNotConnected)
	}

	data, err := json.Marshal(NewSubscribeMessage(keys))
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}

	s.mu.Lock()
	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = sess.conn.WriteMessage(websocket.TextMessage, data)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("polymarket/ws: subscribe %d assets: %w", len(keys), err)
	}

	s.logger.InfoContext(ctx, "subscribed to assets", slog.Int("assets", len(keys)))
	return nil
}

// NextEvent returns the next parsed event. A read failure yields one
// Disconnected event; after that NextEvent returns false until the next
// Connect.
func (s *Stream) NextEvent(ctx context.Context) (domain.Event, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return ev, true
		}
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
			events := s.parseFrame(ctx, f.data)
			if len(events) == 0 {
				continue
			}
			s.mu.Lock()
			s.pending = append(s.pending, events[1:]...)
			s.mu.Unlock()
			return events[0], true
		}
	}
}

// ExchangeName returns "polymarket".
func (s *Stream) ExchangeName() string { return ExchangeName }

// Close closes the current connection, if any.
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

// readLoop reads frames until the connection fails and hands them to
// NextEvent. It runs in its own goroutine.
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

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (s *Stream) pingLoop(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// parseFrame converts one text frame into events. Unparseable messages are
// logged and dropped.
func (s *Stream) parseFrame(ctx context.Context, raw []byte) []domain.Event {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	var items []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			s.logger.WarnContext(ctx, "failed to parse message", slog.String("error", err.Error()), slog.Int("bytes", len(raw)))
			return nil
		}
	} else {
		items = []json.RawMessage{raw}
	}

	events := make([]domain.Event, 0, len(items))
	for _, item := range items {
		events = append(events, s.parseMessage(ctx, item)...)
	}
	return events
}

func (s *Stream) parseMessage(ctx context.Context, raw []byte) []domain.Event {
	var env WSEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.WarnContext(ctx, "failed to parse message", slog.String("error", err.Error()), slog.Int("bytes", len(raw)))
		return nil
	}

	switch env.Type() {
	case "book", "":
		var book BookMessage
		if err := json.Unmarshal(raw, &book); err != nil || book.AssetID == "" {
			return nil
		}
		b := BookToDomain(&book)
		return []domain.Event{domain.BookSnapshot{Key: b.TokenID, Book: b}}

	case "price_change":
		var pc PriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return nil
		}
		books := PriceChangeToDomain(&pc)
		out := make([]domain.Event, 0, len(books))
		for _, b := range books {
			out = append(out, domain.BookDelta{Key: b.TokenID, Book: b})
		}
		return out

	case "market_resolved":
		var mr MarketResolvedMessage
		if err := json.Unmarshal(raw, &mr); err != nil || mr.Market == "" {
			return nil
		}
		return []domain.Event{ResolvedToDomain(&mr)}

	default:
		return nil
	}
}
