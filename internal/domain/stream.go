package domain

import "context"

// PoolStats is a point-in-time view of a connection pool.
type PoolStats struct {
	ActiveConnections int    `json:"active_connections"`
	TotalRotations    uint64 `json:"total_rotations"`
	TotalRestarts     uint64 `json:"total_restarts"`
	EventsDropped     uint64 `json:"events_dropped"`
}

// MarketDataStream is a real-time market-data source for one exchange.
// Implementations are not required to be safe for concurrent NextEvent calls.
type MarketDataStream interface {
	// Connect establishes the underlying transport.
	Connect(ctx context.Context) error
	// Subscribe requests delivery for the given keys. It may be called again
	// after a reconnect.
	Subscribe(ctx context.Context, keys []TokenID) error
	// NextEvent blocks until the next event is available. It returns false
	// when the stream has ended or ctx is done.
	NextEvent(ctx context.Context) (Event, bool)
	// ExchangeName is a static identifier used in logs.
	ExchangeName() string
}

// PoolStatsProvider is implemented by streams that aggregate several
// connections.
type PoolStatsProvider interface {
	PoolStats() (PoolStats, bool)
}

// StatsOf returns pool statistics for s when it reports them.
func StatsOf(s MarketDataStream) (PoolStats, bool) {
	if p, ok := s.(PoolStatsProvider); ok {
		return p.PoolStats()
	}
	return PoolStats{}, false
}

// StreamFactory creates fresh raw streams. It may be called concurrently.
type StreamFactory interface {
	NewStream() MarketDataStream
}

// StreamFactoryFunc adapts a function to StreamFactory.
type StreamFactoryFunc func() MarketDataStream

// NewStream calls f.
func (f StreamFactoryFunc) NewStream() MarketDataStream { return f() }
