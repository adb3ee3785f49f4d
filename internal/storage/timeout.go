package storage

import (
	"context"
	"io"
	"time"
)

// TimeoutStorage bounds every call of the wrapped storage with a deadline so
// that no storage operation can block indefinitely.
type TimeoutStorage struct {
	inner   ObjectStorage
	timeout time.Duration
}

// WithTimeout wraps store so that each call is cancelled after d.
// A non-positive d returns store unchanged.
func WithTimeout(store ObjectStorage, d time.Duration) ObjectStorage {
	if d <= 0 {
		return store
	}
	return &TimeoutStorage{inner: store, timeout: d}
}

func (s *TimeoutStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Upload(ctx, localPath, objectPath)
}

// Open applies the deadline to the whole read: the context is released when
// the returned reader is closed.
func (s *TimeoutStorage) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	rc, err := s.inner.Open(ctx, objectPath)
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}, nil
}

func (s *TimeoutStorage) Download(ctx context.Context, objectPath, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Download(ctx, objectPath, localPath)
}

func (s *TimeoutStorage) Delete(ctx context.Context, objectPath string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Delete(ctx, objectPath)
}

func (s *TimeoutStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Exists(ctx, objectPath)
}

func (s *TimeoutStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.ListObjects(ctx, prefix)
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
