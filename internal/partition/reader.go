package partition

import (
	"bytes"
	"context"
	"io"

	"github.com/tabulake/tabulake/internal/storage"
	"github.com/tabulake/tabulake/pkg/types"
)

// ReadObject downloads and decodes one data file.
func ReadObject(ctx context.Context, store storage.ObjectStorage, objectPath string) ([]*types.FlatRow, error) {
	rc, err := store.Open(ctx, objectPath)
	if err != nil {
		return nil, storage.Classify("open", objectPath, false, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storage.Classify("read", objectPath, false, err)
	}
	return ReadFile(ctx, bytes.NewReader(data))
}

// ReadPartition reads the published files of a partition in order. Only the
// files listed in the partition are read; other objects under the partition
// prefix are ignored.
func ReadPartition(ctx context.Context, store storage.ObjectStorage, p types.Partition) ([]*types.FlatRow, error) {
	var rows []*types.FlatRow
	for _, f := range p.Files {
		fileRows, err := ReadObject(ctx, store, f.Path)
		if err != nil {
			return nil, err
		}
		rows = append(rows, fileRows...)
	}
	return rows, nil
}
