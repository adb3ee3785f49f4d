package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	apperrors "github.com/tabulake/tabulake/internal/errors"
)

func writeSource(t *testing.T, content string) string {
	t.Helper()
	srcPath := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(srcPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return srcPath
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	content := "hello world"
	srcPath := writeSource(t, content)
	ctx := context.Background()

	objectPath := "test/object.txt"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(t.TempDir(), "downloaded.txt")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != content {
		t.Errorf("content mismatch: got %q, want %q", downloaded, content)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}

	// Deleting again is not an error
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestLocalStorage_Open(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	if err := storage.Upload(ctx, writeSource(t, "streamed"), "a/b/c.bin"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	rc, err := storage.Open(ctx, "a/b/c.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "streamed" {
		t.Errorf("got %q, want %q", data, "streamed")
	}

	if _, err := storage.Open(ctx, "missing.bin"); err != ErrObjectNotFound {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	dstPath := filepath.Join(t.TempDir(), "downloaded.txt")
	err = storage.Download(context.Background(), "nonexistent/object.txt", dstPath)
	if err != ErrObjectNotFound {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_UploadReplacesAtomically(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	if err := storage.Upload(ctx, writeSource(t, "first"), "t/p/f.parquet"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if err := storage.Upload(ctx, writeSource(t, "second"), "t/p/f.parquet"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(baseDir, "t", "p", "f.parquet"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("got %q, want %q", data, "second")
	}

	// No temporary files left behind
	entries, err := os.ReadDir(filepath.Join(baseDir, "t", "p"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestLocalStorage_UploadCancelled(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := storage.Upload(ctx, writeSource(t, "data"), "x/y.bin"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if exists, _ := storage.Exists(context.Background(), "x/y.bin"); exists {
		t.Error("cancelled upload must not publish the object")
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	src := writeSource(t, "x")

	for _, p := range []string{"events/region=eu/a.parquet", "events/region=us/b.parquet", "other/c.parquet"} {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}
	// An in-flight upload must stay invisible
	tmp := filepath.Join(baseDir, "events", "region=eu", tmpPrefix+"pending")
	if err := os.WriteFile(tmp, []byte("partial"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	objects, err := storage.ListObjects(ctx, "events")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	sort.Strings(objects)
	want := []string{"events/region=eu/a.parquet", "events/region=us/b.parquet"}
	if len(objects) != len(want) {
		t.Fatalf("got %v, want %v", objects, want)
	}
	for i := range want {
		if objects[i] != want[i] {
			t.Errorf("objects[%d] = %q, want %q", i, objects[i], want[i])
		}
	}

	empty, err := storage.ListObjects(ctx, "missing")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty list, got %v", empty)
	}
}

func TestLocalStorage_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	locked := filepath.Join(baseDir, "locked")
	if err := os.MkdirAll(locked, 0555); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0755) })

	err = storage.Upload(context.Background(), writeSource(t, "x"), "locked/file.bin")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	classified := Classify("upload", "locked/file.bin", true, err)
	if apperrors.GetCode(classified) != apperrors.CodePermissionDenied {
		t.Errorf("expected %s, got %s", apperrors.CodePermissionDenied, apperrors.GetCode(classified))
	}
	if apperrors.IsRetryable(classified) {
		t.Error("permission failures must not be retryable")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		write     bool
		wantCode  string
		retryable bool
	}{
		{"transient write", ErrUploadFailed, true, apperrors.CodeWriteFailed, true},
		{"timeout", context.DeadlineExceeded, true, apperrors.CodeWriteFailed, true},
		{"read", ErrDownloadFailed, false, apperrors.CodeReadFailed, true},
		{"permission", ErrPermissionDenied, true, apperrors.CodePermissionDenied, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("op", "obj", tt.write, tt.err)
			if got := apperrors.GetCode(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
			if got := apperrors.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error must wrap the cause")
			}
		})
	}

	if Classify("op", "obj", true, nil) != nil {
		t.Error("nil error must stay nil")
	}
	if err := Classify("op", "obj", true, context.Canceled); err != context.Canceled {
		t.Errorf("cancellation must pass through, got %v", err)
	}
}

type slowStorage struct {
	ObjectStorage
}

func (s slowStorage) Upload(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	if got := WithTimeout(local, 0); got != ObjectStorage(local) {
		t.Error("zero timeout should return the storage unchanged")
	}

	store := WithTimeout(slowStorage{local}, 20*time.Millisecond)
	start := time.Now()
	err = store.Upload(context.Background(), "src", "dst")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("upload was not bounded by the timeout")
	}
}

func TestBatchDeleter(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	src := writeSource(t, "x")

	var paths []string
	for _, p := range []string{"d/1", "d/2", "d/3", "d/4", "d/5"} {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
		paths = append(paths, p)
	}
	// Missing objects are not failures
	paths = append(paths, "d/missing")

	if failed := NewBatchDeleter(storage, 2).Delete(ctx, paths); failed != nil {
		t.Fatalf("unexpected failures: %v", failed)
	}

	remaining, err := storage.ListObjects(ctx, "d")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected all objects deleted, got %v", remaining)
	}
}
