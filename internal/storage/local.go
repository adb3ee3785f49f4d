package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// tmpPrefix marks in-flight uploads. Objects with this prefix are never listed.
const tmpPrefix = ".tmp-"

// LocalStorage implements ObjectStorage using the local filesystem.
// Uploads are written to a temporary sibling and renamed into place, so an
// object is either absent or complete.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies a local file into storage and renames it into place.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath := l.fullPath(objectPath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return l.wrap(ErrUploadFailed, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return l.wrap(ErrUploadFailed, err)
	}
	defer src.Close()

	tmpPath := filepath.Join(filepath.Dir(destPath), tmpPrefix+uuid.New().String())
	dst, err := os.Create(tmpPath)
	if err != nil {
		return l.wrap(ErrUploadFailed, err)
	}

	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return l.wrap(ErrUploadFailed, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return l.wrap(ErrUploadFailed, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return l.wrap(ErrUploadFailed, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return l.wrap(ErrUploadFailed, err)
	}
	return nil
}

// Open opens an object for streaming reads.
func (l *LocalStorage) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, l.wrap(ErrDownloadFailed, err)
	}
	return f, nil
}

// Download downloads a file from local storage.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	src, err := l.Open(ctx, objectPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return l.wrap(ErrDownloadFailed, err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return l.wrap(ErrDownloadFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		return l.wrap(ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes an object from local storage.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(l.fullPath(objectPath)); err != nil {
		if os.IsNotExist(err) {
			// S3 Delete is idempotent, so we don't return an error
			return nil
		}
		return l.wrap(ErrDeleteFailed, err)
	}
	return nil
}

// Exists checks if an object exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, l.wrap(ErrDownloadFailed, err)
	}
	return true, nil
}

// ListObjects returns all object paths under the given prefix, using forward
// slashes regardless of platform.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	searchDir := l.fullPath(prefix)
	var objects []string

	err := filepath.Walk(searchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // prefix doesn't exist, return empty list
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		objects = append(objects, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, l.wrap(ErrListFailed, err)
	}

	return objects, nil
}

// BasePath returns the root directory of the storage.
func (l *LocalStorage) BasePath() string {
	return l.basePath
}

// fullPath returns the full filesystem path for an object.
func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}

// wrap tags filesystem permission failures so callers can tell them apart
// from transient failures.
func (l *LocalStorage) wrap(kind error, err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %w: %v", kind, ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// ctxReader stops a copy once its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
