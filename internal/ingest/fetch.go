package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/internal/flatten"
	"github.com/tabulake/tabulake/internal/storage"
	"github.com/tabulake/tabulake/pkg/types"
)

// Transport compression suffixes recognized on raw object keys.
const (
	SuffixGzip   = ".gz"
	SuffixSnappy = ".snappy"
)

// FetchRecords reads every JSON document of the raw object at key. Objects
// ending in .gz are gunzipped and objects ending in .snappy are read as
// snappy framed streams.
func FetchRecords(ctx context.Context, store storage.ObjectStorage, key string) ([]types.RawRecord, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return nil, storage.Classify("open", key, false, err)
	}
	defer rc.Close()

	src := &sourceReader{r: rc}
	r, closeFn, err := decompress(key, src)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	docs, err := flatten.DecodeAll(r)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if src.err != nil {
			return nil, storage.Classify("read", key, false, src.err)
		}
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperrors.NewMalformedInputError("raw object holds no documents", nil).
			WithDetails(map[string]interface{}{"object": key})
	}
	return docs, nil
}

func decompress(key string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(key, SuffixGzip):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, apperrors.NewMalformedInputError(fmt.Sprintf("%s is not gzip data", key), err)
		}
		return zr, func() { zr.Close() }, nil
	case strings.HasSuffix(key, SuffixSnappy):
		return snappy.NewReader(r), func() {}, nil
	default:
		return r, func() {}, nil
	}
}

// sourceReader remembers transport failures so they are not mistaken for
// malformed content.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}
