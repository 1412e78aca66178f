package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses decode whichever form they use.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is the subset of a Gamma market needed for discovery.
type APIMarket struct {
	ID              string   `json:"id"`
	Question        string   `json:"question"`
	ConditionID     string   `json:"conditionId"`
	Active          flexBool `json:"active"`
	Closed          flexBool `json:"closed"`
	EnableOrderBook flexBool `json:"enableOrderBook"`
	ClobTokenIDs    string   `json:"clobTokenIds"` // JSON-encoded: e.g. "[\"123\",\"456\"]"
	Tokens          []Token  `json:"tokens"`
	CreatedAt       string   `json:"createdAt"`
	UpdatedAt       string   `json:"updatedAt"`
}

// Token is a token entry inside older Gamma market responses.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// TokenIDs returns the CLOB token IDs of the market, from clobTokenIds or
// the tokens array.
func (m *APIMarket) TokenIDs() []domain.TokenID {
	var raw []string
	if m.ClobTokenIDs != "" {
		_ = json.Unmarshal([]byte(m.ClobTokenIDs), &raw)
	}
	if len(raw) == 0 {
		for _, t := range m.Tokens {
			raw = append(raw, t.TokenID)
		}
	}
	return domain.TokenIDs(raw)
}

// Streamable reports whether the market is open and has an order book.
func (m *APIMarket) Streamable() bool {
	return bool(m.Active) && !bool(m.Closed) && bool(m.EnableOrderBook) && len(m.TokenIDs()) > 0
}

// ToDomainMarket converts a Gamma market. The condition ID is used as the
// market ID because it is what market_resolved messages refer to.
func (m *APIMarket) ToDomainMarket() domain.Market {
	id := m.ConditionID
	if id == "" {
		id = m.ID
	}
	dm := domain.Market{
		ID:       domain.MarketID(id),
		Exchange: ExchangeName,
		Question: m.Question,
		TokenIDs: m.TokenIDs(),
		Status:   domain.MarketStatusActive,
	}
	if dm.Question == "" {
		dm.Question = "Unknown"
	}
	if m.Closed {
		dm.Status = domain.MarketStatusClosed
	}
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		dm.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		dm.UpdatedAt = t
	}
	return dm
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSEnvelope carries the discriminator of a market-channel message. Frames
// are either a single object or a JSON array of objects.
type WSEnvelope struct {
	EventType string `json:"event_type"`
	MsgType   string `json:"msg_type"`
}

// Type returns the message type, falling back to msg_type for older frames.
func (e WSEnvelope) Type() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.MsgType
}

// BookMessage represents a full orderbook snapshot delivered over WebSocket.
type BookMessage struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage is an incremental update for one or more assets of a
// market.
type PriceChangeMessage struct {
	Market       string        `json:"market"`
	PriceChanges []PriceChange `json:"price_changes"`
	Timestamp    string        `json:"timestamp"`

	// Legacy single-asset shape.
	AssetID string        `json:"asset_id"`
	Changes []PriceChange `json:"changes"`
}

// PriceChange is one changed level. Size "0" means the level was removed.
type PriceChange struct {
	AssetID string `json:"asset_id"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Price   string `json:"price"`
	Size    string `json:"size"`
	Hash    string `json:"hash"`
}

// MarketResolvedMessage announces the outcome of a market.
type MarketResolvedMessage struct {
	Market         string `json:"market"`
	WinningAssetID string `json:"winning_asset_id"`
	WinningOutcome string `json:"winning_outcome"`
	Timestamp      string `json:"timestamp"`
}

// SubscribeMessage is the market-channel subscription request.
type SubscribeMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// NewSubscribeMessage builds a market-channel subscription for keys.
func NewSubscribeMessage(keys []domain.TokenID) SubscribeMessage {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = string(k)
	}
	return SubscribeMessage{AssetsIDs: ids, Type: "market"}
}

// --------------------------------------------------------------------------
// Conversion helpers: WebSocket types -> domain types
// --------------------------------------------------------------------------

// BookToDomain converts a BookMessage to a domain.Book. Levels whose price or
// size cannot be parsed are skipped.
func BookToDomain(b *BookMessage) domain.Book {
	return domain.Book{
		TokenID:   domain.TokenID(b.AssetID),
		Bids:      parseLevels(b.Bids),
		Asks:      parseLevels(b.Asks),
		Hash:      b.Hash,
		Timestamp: parseTimestamp(b.Timestamp),
	}
}

// PriceChangeToDomain groups the changes of p into one delta book per asset,
// in first-seen order.
func PriceChangeToDomain(p *PriceChangeMessage) []domain.Book {
	changes := p.PriceChanges
	if len(changes) == 0 {
		changes = p.Changes
	}
	ts := parseTimestamp(p.Timestamp)

	var order []domain.TokenID
	books := make(map[domain.TokenID]*domain.Book)
	for _, c := range changes {
		asset := c.AssetID
		if asset == "" {
			asset = p.AssetID
		}
		if asset == "" {
			continue
		}
		price, errP := decimal.NewFromString(c.Price)
		size, errS := decimal.NewFromString(c.Size)
		if errP != nil || errS != nil {
			continue
		}

		key := domain.TokenID(asset)
		b, ok := books[key]
		if !ok {
			b = &domain.Book{TokenID: key, Timestamp: ts}
			books[key] = b
			order = append(order, key)
		}
		if c.Hash != "" {
			b.Hash = c.Hash
		}
		lvl := domain.PriceLevel{Price: price, Size: size}
		if strings.EqualFold(c.Side, "SELL") {
			b.Asks = append(b.Asks, lvl)
		} else {
			b.Bids = append(b.Bids, lvl)
		}
	}

	out := make([]domain.Book, 0, len(order))
	for _, k := range order {
		out = append(out, *books[k])
	}
	return out
}

// ResolvedToDomain converts a MarketResolvedMessage to a Settled event. The
// winning side pays out 1.
func ResolvedToDomain(m *MarketResolvedMessage) domain.Settled {
	outcome := m.WinningOutcome
	if outcome == "" {
		outcome = m.WinningAssetID
	}
	return domain.Settled{
		Market:  domain.MarketID(m.Market),
		Outcome: outcome,
		Payout:  decimal.NewFromInt(1),
	}
}

func parseLevels(levels []WSPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		p, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		s, err := decimal.NewFromString(l.Size)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out
}

// parseTimestamp accepts unix milliseconds, unix seconds or RFC3339.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now()
}
