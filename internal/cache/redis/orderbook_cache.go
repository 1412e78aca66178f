package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// BookCache implements domain.BookCache using Redis sorted sets and hashes.
//
// Key schema:
//
//	book:{token}:bids      - sorted set of bid prices (score = price)
//	book:{token}:asks      - sorted set of ask prices (score = price)
//	book:{token}:bid:size  - hash mapping price -> size for bids
//	book:{token}:ask:size  - hash mapping price -> size for asks
//	book:{token}:meta      - hash with "ts" (unix nanos) and "hash"
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func bookBidsKey(t domain.TokenID) string    { return "book:" + string(t) + ":bids" }
func bookAsksKey(t domain.TokenID) string    { return "book:" + string(t) + ":asks" }
func bookBidSizeKey(t domain.TokenID) string { return "book:" + string(t) + ":bid:size" }
func bookAskSizeKey(t domain.TokenID) string { return "book:" + string(t) + ":ask:size" }
func bookMetaKey(t domain.TokenID) string    { return "book:" + string(t) + ":meta" }

// SetSnapshot atomically replaces the whole book for a token.
func (bc *BookCache) SetSnapshot(ctx context.Context, book domain.Book) error {
	t := book.TokenID
	pipe := bc.rdb.TxPipeline()
	pipe.Del(ctx, bookBidsKey(t), bookAsksKey(t), bookBidSizeKey(t), bookAskSizeKey(t), bookMetaKey(t))
	writeLevels(ctx, pipe, bookBidsKey(t), bookBidSizeKey(t), book.Bids)
	writeLevels(ctx, pipe, bookAsksKey(t), bookAskSizeKey(t), book.Asks)
	writeMeta(ctx, pipe, book)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book snapshot %s: %w", t, err)
	}
	return nil
}

// ApplyDelta merges changed levels into the cached book. A level with zero
// size is removed.
func (bc *BookCache) ApplyDelta(ctx context.Context, delta domain.Book) error {
	t := delta.TokenID
	pipe := bc.rdb.TxPipeline()
	writeLevels(ctx, pipe, bookBidsKey(t), bookBidSizeKey(t), delta.Bids)
	writeLevels(ctx, pipe, bookAsksKey(t), bookAskSizeKey(t), delta.Asks)
	writeMeta(ctx, pipe, delta)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: apply book delta %s: %w", t, err)
	}
	return nil
}

func writeLevels(ctx context.Context, pipe redis.Pipeliner, zKey, hKey string, levels []domain.PriceLevel) {
	for _, lvl := range levels {
		price := lvl.Price.String()
		if lvl.Size.IsZero() {
			pipe.ZRem(ctx, zKey, price)
			pipe.HDel(ctx, hKey, price)
			continue
		}
		pipe.ZAdd(ctx, zKey, redis.Z{Score: lvl.Price.InexactFloat64(), Member: price})
		pipe.HSet(ctx, hKey, price, lvl.Size.String())
	}
}

func writeMeta(ctx context.Context, pipe redis.Pipeliner, book domain.Book) {
	ts := book.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := []any{"ts", strconv.FormatInt(ts.UnixNano(), 10)}
	if book.Hash != "" {
		fields = append(fields, "hash", book.Hash)
	}
	pipe.HSet(ctx, bookMetaKey(book.TokenID), fields...)
}

// GetSnapshot reconstructs the cached book. Bids are ordered best (highest)
// first and asks lowest first. It returns domain.ErrNotFound if the token has
// never been cached.
func (bc *BookCache) GetSnapshot(ctx context.Context, token domain.TokenID) (domain.Book, error) {
	pipe := bc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRange(ctx, bookBidsKey(token), 0, -1)
	asksCmd := pipe.ZRange(ctx, bookAsksKey(token), 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, bookBidSizeKey(token))
	askSizeCmd := pipe.HGetAll(ctx, bookAskSizeKey(token))
	metaCmd := pipe.HGetAll(ctx, bookMetaKey(token))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.Book{}, fmt.Errorf("redis: get book snapshot %s: %w", token, err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return domain.Book{}, domain.ErrNotFound
	}

	book := domain.Book{TokenID: token, Hash: meta["hash"]}
	if ns, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		book.Timestamp = time.Unix(0, ns)
	}
	book.Bids = readLevels(bidsCmd.Val(), bidSizeCmd.Val())
	book.Asks = readLevels(asksCmd.Val(), askSizeCmd.Val())
	return book, nil
}

func readLevels(prices []string, sizes map[string]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(prices))
	for _, p := range prices {
		price, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(sizes[p])
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
