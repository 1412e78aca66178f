package feed

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// replace swaps the connection job.oldID for a freshly spawned one with the
// same keys. The old connection keeps delivering until the new one has
// proven itself, or until the handoff timeout expires.
func (p *Pool) replace(ctx context.Context, job replacement, newID uint64) {
	logger := p.logger.With(
		slog.Uint64("old_connection_id", job.oldID),
		slog.Uint64("new_connection_id", newID),
		slog.String("reason", job.reason.String()),
	)

	var keys []domain.TokenID
	p.lockConns(func(conns []*connection) []*connection {
		for _, c := range conns {
			if c.id == job.oldID {
				keys = c.keys
				break
			}
		}
		return conns
	})
	if keys == nil {
		logger.WarnContext(ctx, "connection no longer in pool, skipping replacement")
		return
	}

	baseline := p.clock.Now().UnixMilli() - 1
	fresh := p.spawn(ctx, newID, keys)

	if !p.awaitHandoff(ctx, fresh, baseline, logger) {
		fresh.cancel()
		return
	}

	var old *connection
	p.lockConns(func(conns []*connection) []*connection {
		for i, c := range conns {
			if c.id == job.oldID {
				old = c
				conns[i] = fresh
				break
			}
		}
		return conns
	})
	if old == nil {
		fresh.cancel()
		logger.WarnContext(ctx, "connection list changed during handoff, skipping swap")
		return
	}

	// Let events already read by the old connection reach the queue.
	_ = sleepCtx(ctx, p.clock, drainGracePeriod)
	old.cancel()

	if job.reason == reasonTTL {
		p.counters.rotations.Add(1)
		logger.InfoContext(ctx, "ttl rotation complete")
	} else {
		p.counters.restarts.Add(1)
		logger.InfoContext(ctx, "restart complete")
	}
}

// awaitHandoff polls until fresh has delivered an event newer than baseline
// (true), its goroutine exits (false), or the handoff timeout passes (true,
// the old connection is presumed stale).
func (p *Pool) awaitHandoff(ctx context.Context, fresh *connection, baseline int64, logger *slog.Logger) bool {
	deadline := p.clock.Now().Add(p.handoffTimeout())
	ticker := p.clock.Ticker(handoffPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		if fresh.lastEvent.Load() > baseline {
			return true
		}
		if fresh.finished() {
			logger.WarnContext(ctx, "replacement died during handoff")
			return false
		}
		if !p.clock.Now().Before(deadline) {
			logger.WarnContext(ctx, "handoff timeout, swapping anyway")
			return true
		}
	}
}
