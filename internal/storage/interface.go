package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotConfigured is returned by NewStorage when no storage backend is configured.
var ErrNotConfigured = errors.New("object storage is not configured")

// ObjectStorage stores uploaded catalog files and result exports.
type ObjectStorage interface {
	// Put writes an object.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Get opens an object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// URL returns a link a client can download the object from.
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Delete removes an object.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// SourceKey is where the original upload of a job is archived.
func SourceKey(jobID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return path.Join("uploads", jobID, name)
}

// ExportKey is where the CSV export of a job's results is written.
func ExportKey(jobID string) string {
	return path.Join("exports", jobID, "results.csv")
}
