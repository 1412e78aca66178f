package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// discoveryPageSize is the number of markets requested per page.
const discoveryPageSize = 100

// MarketFetcher retrieves open markets from an exchange API.
type MarketFetcher interface {
	GetMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error)
}

// MarketDiscovery pages through an exchange's open markets, records them in
// the market store and collects their token IDs as subscription keys.
type MarketDiscovery struct {
	fetcher MarketFetcher
	store   domain.MarketStore
	logger  *slog.Logger
}

// NewMarketDiscovery creates a MarketDiscovery. store may be nil, in which
// case discovered markets are not persisted.
func NewMarketDiscovery(fetcher MarketFetcher, store domain.MarketStore, logger *slog.Logger) *MarketDiscovery {
	return &MarketDiscovery{
		fetcher: fetcher,
		store:   store,
		logger:  logger.With(slog.String("component", "market_discovery")),
	}
}

// Discover returns up to limit token IDs of open markets, in API order. A
// limit of zero means no limit.
func (d *MarketDiscovery) Discover(ctx context.Context, limit int) ([]domain.TokenID, error) {
	var (
		keys    []domain.TokenID
		offset  int
		markets int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("market discovery: %w", err)
		}

		page, err := d.fetcher.GetMarkets(ctx, discoveryPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("market discovery: fetch at offset %d: %w", offset, err)
		}

		for _, m := range page {
			if d.store != nil {
				if err := d.store.Upsert(ctx, m); err != nil {
					return nil, fmt.Errorf("market discovery: upsert %s: %w", m.ID, err)
				}
			}
			markets++
			keys = append(keys, m.TokenIDs...)
			if limit > 0 && len(keys) >= limit {
				keys = keys[:limit]
				d.logger.InfoContext(ctx, "market discovery complete",
					slog.Int("markets", markets),
					slog.Int("keys", len(keys)),
					slog.Bool("limited", true),
				)
				return keys, nil
			}
		}

		d.logger.DebugContext(ctx, "discovered market page",
			slog.Int("page_size", len(page)),
			slog.Int("offset", offset),
		)

		// Gamma drops filtered markets from a page, so only an empty page
		// marks the end.
		if len(page) == 0 {
			break
		}
		offset += discoveryPageSize
	}

	d.logger.InfoContext(ctx, "market discovery complete",
		slog.Int("markets", markets),
		slog.Int("keys", len(keys)),
	)
	return keys, nil
}
