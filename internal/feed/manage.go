package feed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	handoffPollInterval = 100 * time.Millisecond
	drainGracePeriod    = 100 * time.Millisecond
	minHandoffTimeout   = 30 * time.Second

	// replacementIDStart keeps replacement ids clear of the ids handed out by
	// Subscribe.
	replacementIDStart = 1_000_000
)

type replaceReason int

const (
	reasonTTL replaceReason = iota
	reasonSilent
	reasonCrashed
)

func (r replaceReason) String() string {
	switch r {
	case reasonTTL:
		return "ttl"
	case reasonSilent:
		return "silent"
	case reasonCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

type replacement struct {
	oldID  uint64
	reason replaceReason
}

// manage runs the health check loop until ctx is cancelled.
func (p *Pool) manage(ctx context.Context) {
	ticker := p.clock.Ticker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	p.logger.DebugContext(ctx, "management loop started")
	defer p.logger.DebugContext(ctx, "management loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs := p.scan(ctx)
		if len(jobs) == 0 {
			continue
		}
		p.replaceAll(ctx, jobs)
	}
}

// scan flags connections that crashed, are near their TTL or went silent.
// The connection lock is held only for the duration of the scan.
func (p *Pool) scan(ctx context.Context) []replacement {
	now := p.clock.Now()
	nowMs := now.UnixMilli()
	ttlThreshold := p.cfg.ConnectionTTL - p.cfg.PreemptiveReconnect
	maxSilentMs := p.cfg.MaxSilent.Milliseconds()

	var jobs []replacement
	p.lockConns(func(conns []*connection) []*connection {
		for _, c := range conns {
			if c.finished() {
				p.logger.WarnContext(ctx, "connection finished unexpectedly",
					slog.Uint64("connection_id", c.id),
				)
				jobs = append(jobs, replacement{oldID: c.id, reason: reasonCrashed})
				continue
			}
			if age := now.Sub(c.spawnedAt); age >= ttlThreshold {
				p.logger.InfoContext(ctx, "connection approaching ttl",
					slog.Uint64("connection_id", c.id),
					slog.Duration("age", age),
				)
				jobs = append(jobs, replacement{oldID: c.id, reason: reasonTTL})
				continue
			}
			if last := c.lastEvent.Load(); last > 0 && nowMs-last > maxSilentMs {
				p.logger.WarnContext(ctx, "connection silent, appears dead",
					slog.Uint64("connection_id", c.id),
					slog.Duration("silent", time.Duration(nowMs-last)*time.Millisecond),
				)
				jobs = append(jobs, replacement{oldID: c.id, reason: reasonSilent})
			}
		}
		return conns
	})
	return jobs
}

// replaceAll runs every replacement of a tick concurrently and waits for all
// of them.
func (p *Pool) replaceAll(ctx context.Context, jobs []replacement) {
	var g errgroup.Group
	for _, job := range jobs {
		newID := p.replaceID.Add(1)
		g.Go(func() error {
			p.replace(ctx, job, newID)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) handoffTimeout() time.Duration {
	return max(p.cfg.ConnectionTTL, minHandoffTimeout)
}
