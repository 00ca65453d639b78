// Package filestore abstracts object storage for upload payloads. The
// pipeline only needs upload/download/presign/delete; everything else about
// the bucket is an ops concern.
package filestore

import (
	"context"
	"io"
	"time"
)

// FileStore is the object-storage contract used by processing jobs.
type FileStore interface {
	// Upload stores the object and returns its public or virtual-hosted URL.
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)

	// Download fetches the whole object into memory. Audio payloads are
	// bounded in size, so buffering is acceptable.
	Download(ctx context.Context, key string) ([]byte, error)

	// Presign returns a time-limited GET URL for handing the object to
	// external services without sharing credentials.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)

	Delete(ctx context.Context, key string) error
}
