package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Event is a market-data event delivered by a MarketDataStream. The set of
// implementations is closed: Connected, Disconnected, BookSnapshot, BookDelta
// and Settled.
type Event interface {
	// Kind returns a short stable name used in logs, metrics and archives.
	Kind() string
	isEvent()
}

// Connected signals that the underlying transport is established.
type Connected struct{}

// Disconnected signals that the underlying transport was lost.
type Disconnected struct {
	Reason string
}

// BookSnapshot carries a full orderbook for one token.
type BookSnapshot struct {
	Key  TokenID
	Book Book
}

// BookDelta carries the changed levels of an orderbook for one token.
type BookDelta struct {
	Key  TokenID
	Book Book
}

// Settled signals that a market resolved.
type Settled struct {
	Market  MarketID        `json:"market"`
	Outcome string          `json:"outcome"`
	Payout  decimal.Decimal `json:"payout"`
}

func (Connected) Kind() string    { return "connected" }
func (Disconnected) Kind() string { return "disconnected" }
func (BookSnapshot) Kind() string { return "book_snapshot" }
func (BookDelta) Kind() string    { return "book_delta" }
func (Settled) Kind() string      { return "settled" }

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (BookSnapshot) isEvent() {}
func (BookDelta) isEvent()    {}
func (Settled) isEvent()      {}

func (e Disconnected) String() string {
	return fmt.Sprintf("disconnected: %s", e.Reason)
}

// EventKey returns the subscription key an event refers to, if any.
func EventKey(ev Event) (TokenID, bool) {
	switch e := ev.(type) {
	case BookSnapshot:
		return e.Key, true
	case BookDelta:
		return e.Key, true
	default:
		return "", false
	}
}
