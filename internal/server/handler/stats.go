package handler

import (
	"net/http"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// StatsHandler serves the pool statistics endpoint.
type StatsHandler struct {
	stream    domain.MarketDataStream
	processed func() uint64
}

// NewStatsHandler creates a StatsHandler for stream. processed, when non-nil,
// reports how many events the downstream consumer has handled.
func NewStatsHandler(stream domain.MarketDataStream, processed func() uint64) *StatsHandler {
	return &StatsHandler{stream: stream, processed: processed}
}

type statsResponse struct {
	Exchange        string           `json:"exchange"`
	Pool            domain.PoolStats `json:"pool"`
	EventsProcessed uint64           `json:"events_processed"`
}

// GetStats responds with the current pool statistics, or 503 when the
// stream does not report any.
// GET /api/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := domain.StatsOf(h.stream)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "pool statistics unavailable")
		return
	}
	resp := statsResponse{
		Exchange: h.stream.ExchangeName(),
		Pool:     stats,
	}
	if h.processed != nil {
		resp.EventsProcessed = h.processed()
	}
	writeJSON(w, http.StatusOK, resp)
}
