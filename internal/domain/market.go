package domain

import "time"

// TokenID identifies one streamable side of a market (a Polymarket asset ID
// or a Kalshi market ticker). It is the subscription key of every stream.
type TokenID string

// MarketID identifies a market (a Polymarket condition ID or a Kalshi ticker).
type MarketID string

// TokenIDs converts raw strings into subscription keys.
func TokenIDs(raw []string) []TokenID {
	out := make([]TokenID, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		out = append(out, TokenID(r))
	}
	return out
}

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive  MarketStatus = "active"
	MarketStatusClosed  MarketStatus = "closed"
	MarketStatusSettled MarketStatus = "settled"
)

// Market is the subset of market metadata needed to decide what to stream.
type Market struct {
	ID        MarketID
	Exchange  string
	Question  string
	TokenIDs  []TokenID
	Status    MarketStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
