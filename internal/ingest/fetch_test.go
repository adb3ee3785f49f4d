package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/internal/storage"
	"github.com/tabulake/tabulake/internal/storage/storagetest"
)

const ndjson = "{\"id\": 1}\n{\"id\": 2}\n"

func newRawStore(t *testing.T) *storage.LocalStorage {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return store
}

func putRaw(t *testing.T, store *storage.LocalStorage, key string, data []byte) {
	t.Helper()
	dst := filepath.Join(store.BasePath(), filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))
	require.NoError(t, os.WriteFile(dst, data, 0644))
}

func TestFetchRecords_Formats(t *testing.T) {
	ctx := context.Background()
	store := newRawStore(t)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(ndjson))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var sz bytes.Buffer
	sw := snappy.NewBufferedWriter(&sz)
	_, err = sw.Write([]byte(ndjson))
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	putRaw(t, store, "plain.json", []byte(ndjson))
	putRaw(t, store, "array.json", []byte(`[{"id": 1}, {"id": 2}]`))
	putRaw(t, store, "data.json.gz", gz.Bytes())
	putRaw(t, store, "data.json.snappy", sz.Bytes())

	for _, key := range []string{"plain.json", "data.json.gz", "data.json.snappy"} {
		docs, err := FetchRecords(ctx, store, key)
		require.NoError(t, err, key)
		assert.Len(t, docs, 2, key)
	}

	docs, err := FetchRecords(ctx, store, "array.json")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Len(t, docs[0].Items, 2)
}

func TestFetchRecords_Errors(t *testing.T) {
	ctx := context.Background()
	store := newRawStore(t)
	putRaw(t, store, "bad.json.gz", []byte("not gzip"))
	putRaw(t, store, "empty.json", nil)

	_, err := FetchRecords(ctx, store, "bad.json.gz")
	assert.ErrorIs(t, err, apperrors.ErrMalformedInput)

	_, err = FetchRecords(ctx, store, "empty.json")
	assert.ErrorIs(t, err, apperrors.ErrMalformedInput)

	_, err = FetchRecords(ctx, store, "missing.json")
	assert.Equal(t, apperrors.CodeObjectNotFound, apperrors.GetCode(err))
	assert.False(t, apperrors.IsRetryable(err))

	faulty := storagetest.New(store)
	faulty.FailAfter(storagetest.OpOpen, 0, 1, errors.New("connection reset"))
	_, err = FetchRecords(ctx, faulty, "empty.json")
	assert.Equal(t, apperrors.CodeReadFailed, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
}

// brokenStore returns a stream that fails midway.
type brokenStore struct {
	storage.ObjectStorage
}

func (brokenStore) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(strings.NewReader(`{"id": 1}{"id": `), errReader{})), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestFetchRecords_TransportErrorIsRetryable(t *testing.T) {
	_, err := FetchRecords(context.Background(), brokenStore{}, "stream.json")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeReadFailed, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
}
