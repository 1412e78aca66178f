package domain

import "context"

// MarketStore is the persistent source of the markets to stream.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	ActiveTokenIDs(ctx context.Context, exchange string, limit int) ([]TokenID, error)
	MarkSettled(ctx context.Context, id MarketID) error
}
