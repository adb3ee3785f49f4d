// Package storagetest provides storage doubles for exercising failure paths.
package storagetest

import (
	"context"
	"io"
	"sync"

	"github.com/tabulake/tabulake/internal/storage"
)

// Op names a storage operation that can be made to fail.
type Op string

const (
	OpUpload Op = "upload"
	OpOpen   Op = "open"
	OpDelete Op = "delete"
	OpExists Op = "exists"
	OpList   Op = "list"
)

type fault struct {
	after int // calls allowed to succeed before failing
	times int // failures to inject, <0 means forever
	err   error
}

// FaultyStorage wraps an ObjectStorage and fails selected operations on demand.
// It also counts calls per operation.
type FaultyStorage struct {
	storage.ObjectStorage

	mu     sync.Mutex
	faults map[Op]*fault
	calls  map[Op]int
}

// New wraps inner.
func New(inner storage.ObjectStorage) *FaultyStorage {
	return &FaultyStorage{
		ObjectStorage: inner,
		faults:        make(map[Op]*fault),
		calls:         make(map[Op]int),
	}
}

// FailAfter lets n calls of op succeed, then fails the following `times`
// calls with err. A negative times fails every later call.
func (f *FaultyStorage) FailAfter(op Op, n, times int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{after: n, times: times, err: err}
}

// Heal removes all injected faults.
func (f *FaultyStorage) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[Op]*fault)
}

// Calls returns how many times op has been invoked.
func (f *FaultyStorage) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyStorage) check(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	ft, ok := f.faults[op]
	if !ok {
		return nil
	}
	if ft.after > 0 {
		ft.after--
		return nil
	}
	if ft.times == 0 {
		return nil
	}
	if ft.times > 0 {
		ft.times--
	}
	return ft.err
}

func (f *FaultyStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := f.check(OpUpload); err != nil {
		return err
	}
	return f.ObjectStorage.Upload(ctx, localPath, objectPath)
}

func (f *FaultyStorage) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	if err := f.check(OpOpen); err != nil {
		return nil, err
	}
	return f.ObjectStorage.Open(ctx, objectPath)
}

func (f *FaultyStorage) Delete(ctx context.Context, objectPath string) error {
	if err := f.check(OpDelete); err != nil {
		return err
	}
	return f.ObjectStorage.Delete(ctx, objectPath)
}

func (f *FaultyStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := f.check(OpExists); err != nil {
		return false, err
	}
	return f.ObjectStorage.Exists(ctx, objectPath)
}

func (f *FaultyStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := f.check(OpList); err != nil {
		return nil, err
	}
	return f.ObjectStorage.ListObjects(ctx, prefix)
}
