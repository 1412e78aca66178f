package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// ArchiverConfig controls batching of archived events.
type ArchiverConfig struct {
	// Prefix is the key prefix, e.g. "events".
	Prefix string
	// Exchange partitions keys by venue.
	Exchange string
	// BatchSize triggers an upload when this many events are buffered.
	BatchSize int
	// FlushInterval bounds how long an event may sit in the buffer when Run
	// is active.
	FlushInterval time.Duration
}

// record is the JSONL row written for every event.
type record struct {
	Exchange   string           `json:"exchange"`
	Kind       string           `json:"kind"`
	Key        string           `json:"key,omitempty"`
	Book       *domain.Book     `json:"book,omitempty"`
	Market     string           `json:"market,omitempty"`
	Outcome    string           `json:"outcome,omitempty"`
	Payout     *decimal.Decimal `json:"payout,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}

// EventArchiver implements domain.EventArchiver by buffering events and
// uploading them as JSONL objects:
//
//	{prefix}/{exchange}/2025-01-31/150405-{uuid}.jsonl
type EventArchiver struct {
	writer domain.BlobWriter
	cfg    ArchiverConfig
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	buf      []record
	uploaded uint64
}

// NewEventArchiver creates an EventArchiver. clk may be nil.
func NewEventArchiver(writer domain.BlobWriter, cfg ArchiverConfig, clk clock.Clock, logger *slog.Logger) *EventArchiver {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &EventArchiver{
		writer: writer,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(slog.String("component", "event_archiver")),
	}
}

// Append buffers ev and uploads the batch once BatchSize is reached.
func (a *EventArchiver) Append(ctx context.Context, ev domain.Event) error {
	rec := a.toRecord(ev)

	a.mu.Lock()
	a.buf = append(a.buf, rec)
	var batch []record
	if len(a.buf) >= a.cfg.BatchSize {
		batch = a.buf
		a.buf = nil
	}
	a.mu.Unlock()

	if batch == nil {
		return nil
	}
	return a.upload(ctx, batch)
}

// Flush uploads whatever is buffered. It is a no-op when the buffer is
// empty.
func (a *EventArchiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return a.upload(ctx, batch)
}

// Run flushes every FlushInterval until ctx is done, then flushes once more
// with a short detached deadline.
func (a *EventArchiver) Run(ctx context.Context) error {
	if a.cfg.FlushInterval <= 0 {
		<-ctx.Done()
		return a.finalFlush()
	}
	ticker := a.clock.Ticker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.finalFlush()
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.logger.WarnContext(ctx, "periodic flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Buffered returns the number of events waiting for upload.
func (a *EventArchiver) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Uploaded returns the number of events uploaded so far.
func (a *EventArchiver) Uploaded() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploaded
}

func (a *EventArchiver) finalFlush() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Flush(ctx)
}

func (a *EventArchiver) upload(ctx context.Context, batch []record) error {
	data, err := marshalJSONL(batch)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	key := a.objectKey()
	if len(data) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(data), jsonlContentType)
	}
	if err != nil {
		// Keep the events for the next attempt.
		a.mu.Lock()
		a.buf = append(batch, a.buf...)
		a.mu.Unlock()
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}

	a.mu.Lock()
	a.uploaded += uint64(len(batch))
	a.mu.Unlock()

	a.logger.DebugContext(ctx, "archived events",
		slog.String("key", key),
		slog.Int("count", len(batch)),
	)
	return nil
}

func (a *EventArchiver) objectKey() string {
	now := a.clock.Now().UTC()
	return path.Join(
		a.cfg.Prefix,
		a.cfg.Exchange,
		now.Format("2006-01-02"),
		now.Format("150405")+"-"+uuid.NewString()+".jsonl",
	)
}

func (a *EventArchiver) toRecord(ev domain.Event) record {
	rec := record{
		Exchange:   a.cfg.Exchange,
		Kind:       ev.Kind(),
		ReceivedAt: a.clock.Now().UTC(),
	}
	switch e := ev.(type) {
	case domain.BookSnapshot:
		rec.Key = string(e.Key)
		rec.Book = &e.Book
	case domain.BookDelta:
		rec.Key = string(e.Key)
		rec.Book = &e.Book
	case domain.Settled:
		rec.Market = string(e.Market)
		rec.Outcome = e.Outcome
		rec.Payout = &e.Payout
	case domain.Disconnected:
		rec.Reason = e.Reason
	}
	return rec
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.EventArchiver = (*EventArchiver)(nil)
