// Package flatten turns nested records into flat rows of typed scalars.
package flatten

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/pkg/types"
)

// Default flattening options.
const (
	DefaultItemsKey  = "items"
	DefaultSeparator = "."
)

// Options controls item decomposition and path naming.
type Options struct {
	// ItemsKey names the top-level list of independent entities
	ItemsKey string
	// Separator joins nested keys and array indexes
	Separator string
}

// DefaultOptions returns the default flattening options.
func DefaultOptions() Options {
	return Options{
		ItemsKey:  DefaultItemsKey,
		Separator: DefaultSeparator,
	}
}

// Flattener converts RawRecords into FlatRows. It holds no mutable state and
// is safe for concurrent use.
type Flattener struct {
	opts Options
}

// New creates a flattener. Empty options fall back to the defaults.
func New(opts Options) *Flattener {
	if opts.ItemsKey == "" {
		opts.ItemsKey = DefaultItemsKey
	}
	if opts.Separator == "" {
		opts.Separator = DefaultSeparator
	}
	return &Flattener{opts: opts}
}

// Flatten decomposes record into items and flattens each into one row.
//
// A mapping holding the items key yields one row per element of that list.
// A sequence yields one row per element. Any other mapping is a single item.
// A scalar root, or an item that is not a mapping, is malformed.
func (f *Flattener) Flatten(record types.RawRecord) ([]*types.FlatRow, error) {
	items, err := f.Items(record)
	if err != nil {
		return nil, err
	}

	rows := make([]*types.FlatRow, 0, len(items))
	for i, item := range items {
		row, err := f.FlattenItem(item)
		if err != nil {
			return nil, withItem(err, i)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FlattenAll flattens several documents into one batch, preserving order.
func (f *Flattener) FlattenAll(records []types.RawRecord) ([]*types.FlatRow, error) {
	var rows []*types.FlatRow
	for i, rec := range records {
		r, err := f.Flatten(rec)
		if err != nil {
			if e, ok := err.(*apperrors.Error); ok {
				return nil, e.WithDetails(map[string]interface{}{"document": i})
			}
			return nil, err
		}
		rows = append(rows, r...)
	}
	return rows, nil
}

// Items returns the independent entities contained in record.
func (f *Flattener) Items(record types.RawRecord) ([]types.Value, error) {
	switch record.Kind {
	case types.KindSequence:
		return checkItems(record.Items)
	case types.KindMapping:
		list, ok := record.Get(f.opts.ItemsKey)
		if !ok {
			return []types.Value{record}, nil
		}
		if list.Kind != types.KindSequence {
			return nil, apperrors.NewMalformedInputError(
				fmt.Sprintf("%q is a %s, expected a list of items", f.opts.ItemsKey, list.Kind), nil)
		}
		return checkItems(list.Items)
	default:
		return nil, apperrors.NewMalformedInputError(
			fmt.Sprintf("record root is a %s, expected an object or a list of objects", record.Kind), nil)
	}
}

func checkItems(items []types.Value) ([]types.Value, error) {
	for i, item := range items {
		if item.Kind != types.KindMapping {
			return nil, withItem(apperrors.NewMalformedInputError(
				fmt.Sprintf("item is a %s, expected an object", item.Kind), nil), i)
		}
	}
	return items, nil
}

// FlattenItem flattens a single item into a row.
func (f *Flattener) FlattenItem(item types.Value) (*types.FlatRow, error) {
	row := types.NewFlatRow()
	if err := f.walk(row, "", item); err != nil {
		return nil, err
	}
	return row, nil
}

func (f *Flattener) walk(row *types.FlatRow, prefix string, v types.Value) error {
	switch v.Kind {
	case types.KindMapping:
		for _, field := range v.Fields {
			if field.Key == "" {
				return apperrors.NewMalformedInputError(
					fmt.Sprintf("empty key under %q", prefix), nil)
			}
			if err := f.walk(row, f.join(prefix, field.Key), field.Value); err != nil {
				return err
			}
		}
		return nil
	case types.KindSequence:
		for i, item := range v.Items {
			if err := f.walk(row, f.join(prefix, strconv.Itoa(i)), item); err != nil {
				return err
			}
		}
		return nil
	default:
		s, err := InferScalar(v)
		if err != nil {
			return apperrors.NewMalformedInputError(fmt.Sprintf("column %q", prefix), err)
		}
		if err := row.Set(prefix, s); err != nil {
			return apperrors.NewMalformedInputError("column path collision", err)
		}
		return nil
	}
}

func (f *Flattener) join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + f.opts.Separator + key
}

// InferScalar derives the primitive type of a leaf from its literal form.
// Integral literals that fit in int64 are integers; other numbers are floats.
func InferScalar(v types.Value) (types.Scalar, error) {
	switch v.Kind {
	case types.KindNull:
		return types.NullScalar(), nil
	case types.KindBool:
		return types.BoolScalar(v.Bool), nil
	case types.KindString:
		return types.StringScalar(v.Str), nil
	case types.KindNumber:
		if !strings.ContainsAny(v.Number, ".eE") {
			if n, err := strconv.ParseInt(v.Number, 10, 64); err == nil {
				return types.IntScalar(n), nil
			}
		}
		fl, err := strconv.ParseFloat(v.Number, 64)
		if err != nil {
			return types.Scalar{}, fmt.Errorf("invalid number literal %q: %w", v.Number, err)
		}
		return types.FloatScalar(fl), nil
	default:
		return types.Scalar{}, fmt.Errorf("%s is not a scalar", v.Kind)
	}
}

// Observe computes the union column set of a batch in first-seen order.
// A column is nullable when any row lacks it or holds null for it.
func Observe(rows []*types.FlatRow) []types.ObservedColumn {
	index := make(map[string]int)
	counts := make(map[string]int)
	var cols []types.ObservedColumn

	for _, row := range rows {
		for _, path := range row.Paths() {
			v, _ := row.Get(path)
			i, ok := index[path]
			if !ok {
				i = len(cols)
				index[path] = i
				cols = append(cols, types.ObservedColumn{Path: path})
			}
			counts[path]++
			if v.IsNull() {
				cols[i].Nullable = true
				continue
			}
			if !containsType(cols[i].Types, v.Type) {
				cols[i].Types = append(cols[i].Types, v.Type)
			}
		}
	}

	for i := range cols {
		if counts[cols[i].Path] < len(rows) {
			cols[i].Nullable = true
		}
		if len(cols[i].Types) == 0 {
			cols[i].Types = []types.PrimitiveType{types.TypeNull}
		}
	}
	return cols
}

func containsType(ts []types.PrimitiveType, t types.PrimitiveType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func withItem(err error, i int) error {
	if e, ok := err.(*apperrors.Error); ok {
		return e.WithDetails(map[string]interface{}{"item": i})
	}
	return err
}
