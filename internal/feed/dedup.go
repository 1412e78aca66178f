package feed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// DedupStrategy selects how two events are judged identical.
type DedupStrategy string

const (
	// DedupHash fingerprints the key, the exchange-supplied book hash when
	// present and otherwise the price levels.
	DedupHash DedupStrategy = "hash"
	// DedupTimestamp treats events for the same key and book timestamp as
	// identical.
	DedupTimestamp DedupStrategy = "timestamp"
	// DedupContent fingerprints every field of the event.
	DedupContent DedupStrategy = "content"
)

// DedupConfig controls a Deduplicator.
type DedupConfig struct {
	Enabled    bool
	Strategy   DedupStrategy
	CacheTTL   time.Duration
	MaxEntries int
}

// DefaultDedupConfig returns the default deduplication settings.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		Enabled:    true,
		Strategy:   DedupHash,
		CacheTTL:   5 * time.Second,
		MaxEntries: 100_000,
	}
}

// Validate checks the deduplication settings.
func (c DedupConfig) Validate() error {
	switch c.Strategy {
	case DedupHash, DedupTimestamp, DedupContent:
	default:
		return fmt.Errorf("feed: dedup: unknown strategy %q: %w", c.Strategy, domain.ErrInvalidConfig)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("feed: dedup: cache_ttl must be > 0: %w", domain.ErrInvalidConfig)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("feed: dedup: max_entries must be > 0: %w", domain.ErrInvalidConfig)
	}
	return nil
}

// Deduplicator remembers recently seen events so that the overlap between a
// connection and its replacement is delivered once. Entries expire after
// CacheTTL. It is safe for concurrent use.
type Deduplicator struct {
	cfg      DedupConfig
	exchange string
	clock    clock.Clock

	mu   sync.Mutex
	seen map[uint64]time.Time

	duplicates  atomic.Uint64
	onDuplicate func()
}

// NewDeduplicator returns an empty Deduplicator.
func NewDeduplicator(cfg DedupConfig, exchange string, clk clock.Clock) *Deduplicator {
	if clk == nil {
		clk = clock.New()
	}
	return &Deduplicator{
		cfg:      cfg,
		exchange: exchange,
		clock:    clk,
		seen:     make(map[uint64]time.Time),
	}
}

// IsDuplicate reports whether ev was seen within CacheTTL and records it.
// Connection lifecycle events are never duplicates.
func (d *Deduplicator) IsDuplicate(ev domain.Event) bool {
	fp, ok := d.fingerprint(ev)
	if !ok {
		return false
	}
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if seenAt, found := d.seen[fp]; found && now.Sub(seenAt) < d.cfg.CacheTTL {
		d.duplicates.Add(1)
		if d.onDuplicate != nil {
			d.onDuplicate()
		}
		return true
	}
	if len(d.seen) >= d.cfg.MaxEntries {
		d.gcLocked(now)
		if len(d.seen) >= d.cfg.MaxEntries {
			d.evictOldestLocked()
		}
	}
	d.seen[fp] = now
	return false
}

// GC drops expired entries.
func (d *Deduplicator) GC() {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gcLocked(now)
}

// CacheSize returns the number of remembered fingerprints.
func (d *Deduplicator) CacheSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// OnDuplicate registers fn to be called for every suppressed event. It must
// be called before the deduplicator is in use.
func (d *Deduplicator) OnDuplicate(fn func()) { d.onDuplicate = fn }

// Duplicates returns how many events have been reported as duplicates.
func (d *Deduplicator) Duplicates() uint64 { return d.duplicates.Load() }

// ExchangeName returns the exchange this deduplicator serves.
func (d *Deduplicator) ExchangeName() string { return d.exchange }

func (d *Deduplicator) gcLocked(now time.Time) {
	for fp, at := range d.seen {
		if now.Sub(at) >= d.cfg.CacheTTL {
			delete(d.seen, fp)
		}
	}
}

func (d *Deduplicator) evictOldestLocked() {
	var (
		oldestFP uint64
		oldestAt time.Time
		first    = true
	)
	for fp, at := range d.seen {
		if first || at.Before(oldestAt) {
			oldestFP, oldestAt, first = fp, at, false
		}
	}
	if !first {
		delete(d.seen, oldestFP)
	}
}

func (d *Deduplicator) fingerprint(ev domain.Event) (uint64, bool) {
	h := xxhash.New()
	_, _ = h.WriteString(ev.Kind())
	_, _ = h.WriteString("|")

	switch e := ev.(type) {
	case domain.BookSnapshot:
		d.writeBook(h, e.Key, e.Book)
	case domain.BookDelta:
		d.writeBook(h, e.Key, e.Book)
	case domain.Settled:
		_, _ = h.WriteString(string(e.Market))
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(e.Outcome)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(e.Payout.String())
	default:
		return 0, false
	}
	return h.Sum64(), true
}

func (d *Deduplicator) writeBook(h *xxhash.Digest, key domain.TokenID, b domain.Book) {
	_, _ = h.WriteString(string(key))
	_, _ = h.WriteString("|")

	switch d.cfg.Strategy {
	case DedupTimestamp:
		_, _ = h.WriteString(strconv.FormatInt(b.Timestamp.UnixNano(), 10))
	case DedupContent:
		writeLevels(h, b)
		_, _ = h.WriteString(b.Hash)
		_, _ = h.WriteString(strconv.FormatInt(b.Timestamp.UnixNano(), 10))
	default:
		if b.Hash != "" {
			_, _ = h.WriteString(b.Hash)
			return
		}
		writeLevels(h, b)
	}
}

func writeLevels(h *xxhash.Digest, b domain.Book) {
	for _, l := range b.Bids {
		_, _ = h.WriteString("b" + l.Price.String() + ":" + l.Size.String() + ";")
	}
	for _, l := range b.Asks {
		_, _ = h.WriteString("a" + l.Price.String() + ":" + l.Size.String() + ";")
	}
}

// DedupStream filters duplicates out of another stream.
type DedupStream struct {
	inner  domain.MarketDataStream
	dedup  *Deduplicator
	lastGC time.Time
}

// NewDedupStream wraps inner with d.
func NewDedupStream(inner domain.MarketDataStream, d *Deduplicator) *DedupStream {
	return &DedupStream{inner: inner, dedup: d, lastGC: d.clock.Now()}
}

// Connect delegates to the inner stream.
func (s *DedupStream) Connect(ctx context.Context) error { return s.inner.Connect(ctx) }

// Subscribe delegates to the inner stream.
func (s *DedupStream) Subscribe(ctx context.Context, keys []domain.TokenID) error {
	return s.inner.Subscribe(ctx, keys)
}

// NextEvent returns the next event not seen within the cache TTL.
func (s *DedupStream) NextEvent(ctx context.Context) (domain.Event, bool) {
	for {
		ev, ok := s.inner.NextEvent(ctx)
		if !ok {
			return nil, false
		}
		if now := s.dedup.clock.Now(); now.Sub(s.lastGC) >= s.dedup.cfg.CacheTTL {
			s.dedup.GC()
			s.lastGC = now
		}
		if s.dedup.IsDuplicate(ev) {
			continue
		}
		return ev, true
	}
}

// ExchangeName returns the inner stream's exchange name.
func (s *DedupStream) ExchangeName() string { return s.inner.ExchangeName() }

// PoolStats forwards the inner stream's statistics.
func (s *DedupStream) PoolStats() (domain.PoolStats, bool) {
	return domain.StatsOf(s.inner)
}

// Deduplicator returns the filter used by s.
func (s *DedupStream) Deduplicator() *Deduplicator { return s.dedup }
