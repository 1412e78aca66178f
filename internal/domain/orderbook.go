package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Book is the orderbook state for one token. For a delta, only the levels
// that changed are present and a zero size means the level was removed.
type Book struct {
	TokenID   TokenID      `json:"token_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid, or false if there are no bids.
func (b Book) BestBid() (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, l := range b.Bids {
		if l.Size.IsZero() {
			continue
		}
		if !found || l.Price.GreaterThan(best.Price) {
			best, found = l, true
		}
	}
	return best, found
}

// BestAsk returns the lowest ask, or false if there are no asks.
func (b Book) BestAsk() (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, l := range b.Asks {
		if l.Size.IsZero() {
			continue
		}
		if !found || l.Price.LessThan(best.Price) {
			best, found = l, true
		}
	}
	return best, found
}

// MidPrice returns the midpoint of the best bid and ask. It is zero when
// either side is empty.
func (b Book) MidPrice() decimal.Decimal {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}
