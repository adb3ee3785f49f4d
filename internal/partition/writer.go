package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/parquet/compress"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/internal/storage"
	"github.com/tabulake/tabulake/pkg/types"
)

// WriterConfig holds configuration for the partitioned writer.
type WriterConfig struct {
	// Root is the cleansed root prefix under which tables are stored.
	Root string
	// MaxRowsPerFile splits large batches into several files (0 = one file).
	MaxRowsPerFile int
	// Compression is the parquet codec.
	Compression compress.Compression
	// StagingDir holds files while they are being encoded ("" = os temp dir).
	StagingDir string
	// DeleteConcurrency bounds parallel deletes of superseded or aborted files.
	DeleteConcurrency int
}

// DefaultWriterConfig returns the default writer configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MaxRowsPerFile:    100000,
		Compression:       compress.Codecs.Snappy,
		DeleteConcurrency: 4,
	}
}

// Writer serializes row batches into parquet files under partition paths.
//
// A write never removes data on its own: Write only adds files and reports
// which existing files an overwrite supersedes. The caller publishes the new
// file set and then calls Finalize to retire the superseded files, or Abort
// to remove the files a failed ingestion created. Readers that follow the
// published file set therefore always see either the old or the new
// partition content.
type Writer struct {
	store   storage.ObjectStorage
	config  WriterConfig
	locks   *KeyLocks
	deleter *storage.BatchDeleter
	logger  *slog.Logger
}

// NewWriter creates a new partitioned writer.
func NewWriter(store storage.ObjectStorage, cfg WriterConfig, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:   store,
		config:  cfg,
		locks:   NewKeyLocks(),
		deleter: storage.NewBatchDeleter(store, cfg.DeleteConcurrency),
		logger:  logger.With("component", "writer"),
	}
}

// LockPartition serializes writers of the same partition. The returned
// function releases the lock. Callers hold it from Write until the new file
// set is published and finalized.
func (w *Writer) LockPartition(table, partitionKey string) func() {
	return w.locks.Lock(table + "/" + partitionKey)
}

// Write encodes rows with the column order and types of schema and stores
// them under <root>/<table>/<partitionKey>/. File names derive from the batch
// content and column layout, so writing the same batch twice under the same
// layout creates no new objects.
//
// On failure the returned result, when non-nil, lists the objects already
// created so the caller can Abort them.
func (w *Writer) Write(ctx context.Context, table string, rows []*types.FlatRow, schema types.TableSchema, partitionKey string, mode types.WriteMode) (*types.WriteResult, error) {
	details := map[string]interface{}{"table": table, "partition": partitionKey}

	if err := ValidatePartitionKey(partitionKey); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCategoryInput, apperrors.CodeInvalidPartitionKey, "invalid partition key", err).WithDetails(details)
	}
	if len(rows) == 0 {
		return nil, apperrors.NewInternalError("cannot write an empty batch", nil).WithDetails(details)
	}
	if err := ValidateSchema(schema); err != nil {
		return nil, apperrors.NewInternalError("invalid table schema", err).WithDetails(details)
	}
	if err := NewSchemaValidator(schema).Validate(rows); err != nil {
		return nil, apperrors.NewInternalError("rows do not match the table schema", err).WithDetails(details)
	}

	staging, err := os.MkdirTemp(w.config.StagingDir, "tabulake-write-*")
	if err != nil {
		return nil, apperrors.NewStorageWriteError("failed to create staging directory", err).WithDetails(details)
	}
	defer os.RemoveAll(staging)

	prefix := PartitionPrefix(w.config.Root, table, partitionKey)
	hash := ContentHash(rows, schema)
	result := &types.WriteResult{
		Partition: types.Partition{Key: partitionKey, Location: prefix},
		RowCount:  int64(len(rows)),
		Mode:      mode,
	}

	for i, chunk := range w.chunks(rows) {
		name := FileName(hash, i)
		objectPath := path.Join(prefix, name)
		localPath := filepath.Join(staging, name)

		size, err := WriteFile(ctx, localPath, chunk, schema, w.config.Compression)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			return result, apperrors.NewStorageWriteError("failed to encode "+name, err).WithDetails(details)
		}

		exists, err := w.store.Exists(ctx, objectPath)
		if err != nil {
			return result, storage.Classify("exists", objectPath, false, err)
		}
		if !exists {
			if err := w.store.Upload(ctx, localPath, objectPath); err != nil {
				return result, storage.Classify("upload", objectPath, true, err)
			}
			result.Created = append(result.Created, objectPath)
		}

		result.FilesWritten = append(result.FilesWritten, types.DataFile{
			Path:          objectPath,
			RowCount:      int64(len(chunk)),
			SizeBytes:     size,
			SchemaVersion: schema.Version,
		})
	}
	result.Partition.Files = result.FilesWritten

	if mode == types.WriteModeOverwrite {
		superseded, err := w.superseded(ctx, prefix, result.FilesWritten)
		if err != nil {
			return result, err
		}
		result.Superseded = superseded
	}

	w.logger.Debug("partition files written",
		"table", table,
		"partition", partitionKey,
		"files", len(result.FilesWritten),
		"created", len(result.Created),
		"superseded", len(result.Superseded),
		"rows", result.RowCount,
	)
	return result, nil
}

// superseded lists the data files under prefix that are not part of keep.
func (w *Writer) superseded(ctx context.Context, prefix string, keep []types.DataFile) ([]string, error) {
	objects, err := w.store.ListObjects(ctx, prefix+"/")
	if err != nil {
		return nil, storage.Classify("list", prefix, false, err)
	}

	kept := make(map[string]bool, len(keep))
	for _, f := range keep {
		kept[f.Path] = true
	}

	var out []string
	for _, obj := range objects {
		if kept[obj] || !strings.HasSuffix(obj, FileExtension) {
			continue
		}
		// Only direct children belong to the partition
		if path.Dir(obj) != prefix {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// Finalize deletes the files an overwrite superseded. It is called only after
// the new file set has been published.
func (w *Writer) Finalize(ctx context.Context, result *types.WriteResult) error {
	if result == nil || len(result.Superseded) == 0 {
		return nil
	}
	return w.deleteAll(ctx, "finalize", result.Partition.Location, result.Superseded)
}

// Abort removes the files this write created. Files that already existed
// before the write are left alone.
func (w *Writer) Abort(ctx context.Context, result *types.WriteResult) error {
	if result == nil || len(result.Created) == 0 {
		return nil
	}
	return w.deleteAll(ctx, "abort", result.Partition.Location, result.Created)
}

func (w *Writer) deleteAll(ctx context.Context, op, location string, paths []string) error {
	failed := w.deleter.Delete(ctx, paths)
	if len(failed) == 0 {
		w.logger.Debug("partition files removed", "op", op, "location", location, "files", len(paths))
		return nil
	}

	errs := make([]error, 0, len(failed))
	for p, err := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", p, err))
	}
	w.logger.Warn("failed to remove partition files",
		"op", op,
		"location", location,
		"failed", len(failed),
	)
	return apperrors.NewStorageWriteError(op+" left files behind", errors.Join(errs...)).WithDetails(map[string]interface{}{
		"location": location,
		"failed":   len(failed),
	})
}

// chunks splits rows into groups of at most MaxRowsPerFile.
func (w *Writer) chunks(rows []*types.FlatRow) [][]*types.FlatRow {
	size := w.config.MaxRowsPerFile
	if size <= 0 || size >= len(rows) {
		return [][]*types.FlatRow{rows}
	}
	var out [][]*types.FlatRow
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
