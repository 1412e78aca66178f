package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

type object struct {
	path        string
	contentType string
	data        []byte
}

type fakeWriter struct {
	mu      sync.Mutex
	objects []object
	fail    error
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	b, _ := io.ReadAll(data)
	w.objects = append(w.objects, object{path: path, contentType: contentType, data: b})
	return nil
}

func (w *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "multipart")
}

func (w *fakeWriter) snapshot() []object {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]object(nil), w.objects...)
}

func lines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func newTestArchiver(w domain.BlobWriter, batch int) (*EventArchiver, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 1, 31, 15, 4, 5, 0, time.UTC))
	a := NewEventArchiver(w, ArchiverConfig{
		Prefix:        "events",
		Exchange:      "polymarket",
		BatchSize:     batch,
		FlushInterval: time.Minute,
	}, mock, nil)
	return a, mock
}

func TestArchiverUploadsFullBatch(t *testing.T) {
	w := &fakeWriter{}
	a, _ := newTestArchiver(w, 2)
	ctx := context.Background()

	require.NoError(t, a.Append(ctx, domain.BookSnapshot{Key: "t1", Book: domain.Book{TokenID: "t1"}}))
	assert.Empty(t, w.snapshot())
	assert.Equal(t, 1, a.Buffered())

	require.NoError(t, a.Append(ctx, domain.Settled{Market: "m1", Outcome: "Yes", Payout: decimal.NewFromInt(1)}))

	objs := w.snapshot()
	require.Len(t, objs, 1)
	assert.True(t, strings.HasPrefix(objs[0].path, "events/polymarket/2025-01-31/150405-"))
	assert.True(t, strings.HasSuffix(objs[0].path, ".jsonl"))
	assert.Equal(t, "application/x-ndjson", objs[0].contentType)

	rows := lines(t, objs[0].data)
	require.Len(t, rows, 2)
	assert.Equal(t, "book_snapshot", rows[0]["kind"])
	assert.Equal(t, "t1", rows[0]["key"])
	assert.Equal(t, "settled", rows[1]["kind"])
	assert.Equal(t, "m1", rows[1]["market"])
	assert.Equal(t, "1", rows[1]["payout"])

	assert.Equal(t, 0, a.Buffered())
	assert.Equal(t, uint64(2), a.Uploaded())
}

func TestArchiverFlush(t *testing.T) {
	w := &fakeWriter{}
	a, _ := newTestArchiver(w, 100)
	ctx := context.Background()

	require.NoError(t, a.Flush(ctx))
	assert.Empty(t, w.snapshot())

	require.NoError(t, a.Append(ctx, domain.Disconnected{Reason: "eof"}))
	require.NoError(t, a.Flush(ctx))

	objs := w.snapshot()
	require.Len(t, objs, 1)
	rows := lines(t, objs[0].data)
	require.Len(t, rows, 1)
	assert.Equal(t, "eof", rows[0]["reason"])
}

func TestArchiverKeepsBatchOnFailure(t *testing.T) {
	w := &fakeWriter{fail: errors.New("bucket gone")}
	a, _ := newTestArchiver(w, 1)
	ctx := context.Background()

	err := a.Append(ctx, domain.BookDelta{Key: "t1"})
	require.Error(t, err)
	assert.Equal(t, 1, a.Buffered())

	w.mu.Lock()
	w.fail = nil
	w.mu.Unlock()

	require.NoError(t, a.Flush(ctx))
	assert.Equal(t, 0, a.Buffered())
	assert.Len(t, w.snapshot(), 1)
}

func TestArchiverRunFlushesPeriodically(t *testing.T) {
	w := &fakeWriter{}
	a, mock := newTestArchiver(w, 100)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(t, a.Append(ctx, domain.BookDelta{Key: "t1"}))

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return len(w.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Append(ctx, domain.BookDelta{Key: "t2"}))
	cancel()
	require.NoError(t, <-done)
	assert.Len(t, w.snapshot(), 2)
}
