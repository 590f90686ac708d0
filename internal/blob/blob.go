// Package blob stores uploaded session audio. Production deployments use S3;
// LocalStore keeps files on disk for development and tests.
package blob

import (
	"context"
	"io"
	"time"
)

// AudioStore abstracts the audio object storage used by the upload handler
// (Put), the processing worker (DownloadToTempFile), and the playback
// endpoint (PresignGet).
type AudioStore interface {
	// Put stores the object under key with the given content type.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error

	// DownloadToTempFile copies the object to a new temporary file and
	// returns its path plus a cleanup function that removes it.
	DownloadToTempFile(ctx context.Context, key string) (string, func(), error)

	// PresignGet returns a time-limited URL for reading the object.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
