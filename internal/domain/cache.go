package domain

import "context"

// BookCache stores live orderbook state.
type BookCache interface {
	SetSnapshot(ctx context.Context, book Book) error
	ApplyDelta(ctx context.Context, delta Book) error
	GetSnapshot(ctx context.Context, token TokenID) (Book, error)
}

// Channel and stream names used on the SignalBus.
const (
	// ChannelSettled carries Settled events as JSON.
	ChannelSettled = "arbfeed:settled"
	// ChannelPoolStats carries periodic PoolStats snapshots.
	ChannelPoolStats = "arbfeed:pool_stats"
	// StreamSettled is the durable log of settlements.
	StreamSettled = "arbfeed:stream:settled"
)

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
