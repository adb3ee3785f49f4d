// Package storage provides object storage abstractions for raw and cleansed data.
package storage

import (
	"context"
	"errors"
	"io"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound   = errors.New("object not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUploadFailed     = errors.New("upload failed")
	ErrDownloadFailed   = errors.New("download failed")
	ErrDeleteFailed     = errors.New("delete failed")
	ErrListFailed       = errors.New("list failed")
)

// ObjectStorage is an opaque blob store addressed by key.
// Implementations include S3 and the local filesystem for testing.
type ObjectStorage interface {
	// Upload publishes a local file under objectPath. The object becomes
	// visible only once fully written; readers never observe a partial object.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Open streams the content of an object. The caller closes the reader.
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)

	// Download copies an object to a local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Concurrency is the number of concurrent part uploads (default: 5).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 5,
	}
}
