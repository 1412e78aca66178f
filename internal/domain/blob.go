package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// EventArchiver persists market-data events to cold storage.
type EventArchiver interface {
	Append(ctx context.Context, ev Event) error
	Flush(ctx context.Context) error
}
