package kalshi

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// --------------------------------------------------------------------------
// Kalshi WebSocket DTOs
// --------------------------------------------------------------------------

// KalshiWSMessage is the envelope for Kalshi WebSocket messages.
type KalshiWSMessage struct {
	Type string          `json:"type"` // "orderbook_snapshot", "orderbook_delta", "market_lifecycle_v2", "error", ...
	Msg  json.RawMessage `json:"msg"`
	SID  int64           `json:"sid"`
	Seq  int64           `json:"seq"`
}

// KalshiPriceLevel is a single price+quantity entry in the Kalshi orderbook.
// It decodes from either [price, quantity] or {"price":..,"quantity":..}.
type KalshiPriceLevel struct {
	Price    int64 `json:"price"`    // in cents (1-99)
	Quantity int64 `json:"quantity"` // number of contracts
}

// UnmarshalJSON accepts the pair and object encodings.
func (l *KalshiPriceLevel) UnmarshalJSON(data []byte) error {
	var pair []int64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("kalshi: price level has %d elements", len(pair))
		}
		l.Price, l.Quantity = pair[0], pair[1]
		return nil
	}
	type plain KalshiPriceLevel
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = KalshiPriceLevel(p)
	return nil
}

// KalshiWSOrderbook is the orderbook snapshot received via WebSocket.
type KalshiWSOrderbook struct {
	Ticker string             `json:"market_ticker"`
	Yes    []KalshiPriceLevel `json:"yes"`
	No     []KalshiPriceLevel `json:"no"`
}

// KalshiWSDelta is a single level change. Delta is signed and relative to
// the current quantity.
type KalshiWSDelta struct {
	Ticker string `json:"market_ticker"`
	Price  int64  `json:"price"`
	Delta  int64  `json:"delta"`
	Side   string `json:"side"` // "yes" or "no"
}

// KalshiWSLifecycle reports market status changes, including settlement.
type KalshiWSLifecycle struct {
	Ticker    string `json:"market_ticker"`
	EventType string `json:"event_type"` // "settled", "determined", ...
	Result    string `json:"result"`     // "yes", "no"
}

// KalshiWSSubscribeCmd is the command sent to subscribe to Kalshi WebSocket channels.
type KalshiWSSubscribeCmd struct {
	ID     int64                   `json:"id"`
	Cmd    string                  `json:"cmd"` // "subscribe" or "unsubscribe"
	Params KalshiWSSubscribeParams `json:"params"`
}

// KalshiWSSubscribeParams defines the subscription parameters.
type KalshiWSSubscribeParams struct {
	Channels []string `json:"channels"` // e.g. ["orderbook_delta"]
	Tickers  []string `json:"market_tickers"`
}

// --------------------------------------------------------------------------
// Local book state
// --------------------------------------------------------------------------

// ladder is the resting quantity per price (cents) for each side of one
// market. Kalshi sends relative deltas, so absolute sizes are tracked here.
type ladder struct {
	yes map[int64]int64
	no  map[int64]int64
}

func newLadder(ob KalshiWSOrderbook) *ladder {
	l := &ladder{yes: make(map[int64]int64), no: make(map[int64]int64)}
	for _, lvl := range ob.Yes {
		l.yes[lvl.Price] = lvl.Quantity
	}
	for _, lvl := range ob.No {
		l.no[lvl.Price] = lvl.Quantity
	}
	return l
}

// apply updates the ladder and returns the new absolute quantity.
func (l *ladder) apply(d KalshiWSDelta) int64 {
	side := l.yes
	if d.Side == "no" {
		side = l.no
	}
	q := side[d.Price] + d.Delta
	if q <= 0 {
		delete(side, d.Price)
		return 0
	}
	side[d.Price] = q
	return q
}

// book renders the ladder in yes-price terms: yes bids are bids, no bids at
// price p are asks at 100-p.
func (l *ladder) book(ticker string, ts time.Time) domain.Book {
	b := domain.Book{TokenID: domain.TokenID(ticker), Timestamp: ts}
	for p, q := range l.yes {
		b.Bids = append(b.Bids, level(p, q))
	}
	for p, q := range l.no {
		b.Asks = append(b.Asks, level(100-p, q))
	}
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price.GreaterThan(b.Bids[j].Price) })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price.LessThan(b.Asks[j].Price) })
	return b
}

// deltaBook renders one changed level as a delta book.
func deltaBook(d KalshiWSDelta, quantity int64, ts time.Time) domain.Book {
	b := domain.Book{TokenID: domain.TokenID(d.Ticker), Timestamp: ts}
	if d.Side == "no" {
		b.Asks = []domain.PriceLevel{level(100-d.Price, quantity)}
	} else {
		b.Bids = []domain.PriceLevel{level(d.Price, quantity)}
	}
	return b
}

// level converts cents and contracts to a domain level in dollars.
func level(cents, quantity int64) domain.PriceLevel {
	return domain.PriceLevel{
		Price: decimal.New(cents, -2),
		Size:  decimal.NewFromInt(quantity),
	}
}

// LifecycleToDomain converts a settlement lifecycle message. The second
// result is false for lifecycle events that are not settlements.
func LifecycleToDomain(m KalshiWSLifecycle) (domain.Settled, bool) {
	if m.Result == "" || (m.EventType != "settled" && m.EventType != "determined") {
		return domain.Settled{}, false
	}
	return domain.Settled{
		Market:  domain.MarketID(m.Ticker),
		Outcome: m.Result,
		Payout:  decimal.NewFromInt(1),
	}, true
}
