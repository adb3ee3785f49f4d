package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDeleter removes many objects in parallel with bounded concurrency.
type BatchDeleter struct {
	storage     ObjectStorage
	concurrency int
}

// NewBatchDeleter creates a new batch deleter.
// concurrency: maximum number of parallel deletes (minimum 1)
func NewBatchDeleter(storage ObjectStorage, concurrency int) *BatchDeleter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchDeleter{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Delete removes every object in paths. It returns the objects that could not
// be removed, keyed by path. A nil map means every delete succeeded.
func (b *BatchDeleter) Delete(ctx context.Context, paths []string) map[string]error {
	if len(paths) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed map[string]error
	)
	fail := func(path string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if failed == nil {
			failed = make(map[string]error)
		}
		failed[path] = err
	}

	for _, p := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(p, fmt.Errorf("semaphore acquire failed: %w", err))
			continue
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := b.storage.Delete(ctx, path); err != nil {
				fail(path, err)
			}
		}(p)
	}

	wg.Wait()
	return failed
}
