// Package partition writes flattened rows as columnar files under partition paths.
package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/tabulake/tabulake/pkg/types"
)

// FileExtension is the suffix of every data file.
const FileExtension = ".parquet"

// ParseCompression maps a configured codec name to a parquet codec.
func ParseCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression %q", name)
	}
}

// arrowType maps a column type to its arrow type. Columns that have only
// ever held nulls are stored with the arrow null type.
func arrowType(t types.PrimitiveType) (arrow.DataType, error) {
	switch t {
	case types.TypeNull:
		return arrow.Null, nil
	case types.TypeInteger:
		return arrow.PrimitiveTypes.Int64, nil
	case types.TypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case types.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case types.TypeString:
		return arrow.BinaryTypes.String, nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", t)
	}
}

// ArrowSchema builds the file schema for a table schema. Field order is the
// column order of the table schema.
func ArrowSchema(schema types.TableSchema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(schema.Columns))
	for i, col := range schema.Columns {
		dt, err := arrowType(col.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Path, err)
		}
		fields[i] = arrow.Field{Name: col.Path, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// buildRecord converts rows into a single arrow record in schema column order.
// Rows missing a column get an explicit null.
func buildRecord(mem memory.Allocator, rows []*types.FlatRow, schema types.TableSchema) (arrow.Record, error) {
	sc, err := ArrowSchema(schema)
	if err != nil {
		return nil, err
	}

	builder := array.NewRecordBuilder(mem, sc)
	defer builder.Release()

	for i, col := range schema.Columns {
		fb := builder.Field(i)
		for r, row := range rows {
			v, ok := row.Get(col.Path)
			if !ok || v.IsNull() {
				fb.AppendNull()
				continue
			}
			if err := appendScalar(fb, col, v); err != nil {
				return nil, fmt.Errorf("row %d: %w", r, err)
			}
		}
	}

	return builder.NewRecord(), nil
}

func appendScalar(b array.Builder, col types.ColumnDef, v types.Scalar) error {
	switch fb := b.(type) {
	case *array.Int64Builder:
		if v.Type == types.TypeInteger {
			fb.Append(v.Int)
			return nil
		}
	case *array.Float64Builder:
		switch v.Type {
		case types.TypeFloat:
			fb.Append(v.Float)
			return nil
		case types.TypeInteger:
			fb.Append(float64(v.Int))
			return nil
		}
	case *array.BooleanBuilder:
		if v.Type == types.TypeBoolean {
			fb.Append(v.Bool)
			return nil
		}
	case *array.StringBuilder:
		if v.Type == types.TypeString {
			fb.Append(v.Str)
			return nil
		}
	}
	return fmt.Errorf("column %q of type %s cannot hold a %s value", col.Path, col.Type, v.Type)
}

// WriteFile encodes rows to a parquet file at localPath and returns its size.
func WriteFile(ctx context.Context, localPath string, rows []*types.FlatRow, schema types.TableSchema, codec compress.Compression) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	mem := memory.NewGoAllocator()
	rec, err := buildRecord(mem, rows, schema)
	if err != nil {
		return 0, err
	}
	defer rec.Release()

	table := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer table.Release()

	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(codec),
		parquet.WithAllocator(mem),
	)
	chunk := int64(len(rows))
	if chunk == 0 {
		chunk = 1
	}
	if err := pqarrow.WriteTable(table, f, chunk, props, pqarrow.DefaultWriterProps()); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to encode %s: %w", localPath, err)
	}
	// The parquet writer may already have closed the sink.
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return 0, fmt.Errorf("failed to close %s: %w", localPath, err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadFile decodes a parquet file into flat rows. Every row carries every
// column of the file; absent values come back as explicit nulls.
func ReadFile(ctx context.Context, r parquet.ReaderAtSeeker) ([]*types.FlatRow, error) {
	pf, err := file.NewParquetReader(r)
	if err != nil {
		return nil, err
	}
	defer pf.Close()

	mem := memory.NewGoAllocator()
	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, err
	}
	table, err := reader.ReadTable(ctx)
	if err != nil {
		return nil, err
	}
	defer table.Release()

	numRows := int(table.NumRows())
	rows := make([]*types.FlatRow, numRows)
	for i := range rows {
		rows[i] = types.NewFlatRow()
	}

	for c := 0; c < int(table.NumCols()); c++ {
		col := table.Column(c)
		name := col.Name()
		offset := 0
		for _, chunk := range col.Data().Chunks() {
			for i := 0; i < chunk.Len(); i++ {
				v, err := scalarAt(chunk, i)
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", name, err)
				}
				if err := rows[offset+i].Set(name, v); err != nil {
					return nil, err
				}
			}
			offset += chunk.Len()
		}
	}
	return rows, nil
}

func scalarAt(arr arrow.Array, i int) (types.Scalar, error) {
	if arr.IsNull(i) {
		return types.NullScalar(), nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return types.IntScalar(a.Value(i)), nil
	case *array.Float64:
		return types.FloatScalar(a.Value(i)), nil
	case *array.Boolean:
		return types.BoolScalar(a.Value(i)), nil
	case *array.String:
		return types.StringScalar(a.Value(i)), nil
	default:
		return types.Scalar{}, fmt.Errorf("unsupported arrow type %s", arr.DataType())
	}
}
