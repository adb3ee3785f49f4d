package types

import (
	"fmt"
	"strconv"
)

// PrimitiveType is the inferred type of a flattened scalar or column.
type PrimitiveType string

const (
	TypeNull    PrimitiveType = "null"
	TypeInteger PrimitiveType = "integer"
	TypeFloat   PrimitiveType = "float"
	TypeBoolean PrimitiveType = "boolean"
	TypeString  PrimitiveType = "string"
)

// Valid reports whether t is one of the known primitive types.
func (t PrimitiveType) Valid() bool {
	switch t {
	case TypeNull, TypeInteger, TypeFloat, TypeBoolean, TypeString:
		return true
	}
	return false
}

// Scalar is a single typed leaf value of a FlatRow.
type Scalar struct {
	Type  PrimitiveType
	Int   int64
	Float float64
	Bool  bool
	Str   string
}

// NullScalar returns the null scalar.
func NullScalar() Scalar { return Scalar{Type: TypeNull} }

// IntScalar returns an integer scalar.
func IntScalar(v int64) Scalar { return Scalar{Type: TypeInteger, Int: v} }

// FloatScalar returns a float scalar.
func FloatScalar(v float64) Scalar { return Scalar{Type: TypeFloat, Float: v} }

// BoolScalar returns a boolean scalar.
func BoolScalar(v bool) Scalar { return Scalar{Type: TypeBoolean, Bool: v} }

// StringScalar returns a string scalar.
func StringScalar(v string) Scalar { return Scalar{Type: TypeString, Str: v} }

// IsNull reports whether the scalar is null.
func (s Scalar) IsNull() bool { return s.Type == TypeNull || s.Type == "" }

// Interface returns the scalar as a plain Go value (nil for null).
func (s Scalar) Interface() interface{} {
	switch s.Type {
	case TypeInteger:
		return s.Int
	case TypeFloat:
		return s.Float
	case TypeBoolean:
		return s.Bool
	case TypeString:
		return s.Str
	default:
		return nil
	}
}

// String renders the scalar for logs and error messages.
func (s Scalar) String() string {
	switch s.Type {
	case TypeInteger:
		return strconv.FormatInt(s.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(s.Float, 'g', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(s.Bool)
	case TypeString:
		return strconv.Quote(s.Str)
	default:
		return "null"
	}
}

// FlatRow maps canonical column paths to scalars. Paths are kept in the
// order they were first set so that column discovery is deterministic.
type FlatRow struct {
	paths  []string
	values map[string]Scalar
}

// NewFlatRow returns an empty row.
func NewFlatRow() *FlatRow {
	return &FlatRow{values: make(map[string]Scalar)}
}

// Set stores a value under path. It returns an error if path is already set.
func (r *FlatRow) Set(path string, v Scalar) error {
	if r.values == nil {
		r.values = make(map[string]Scalar)
	}
	if _, exists := r.values[path]; exists {
		return fmt.Errorf("duplicate column path %q", path)
	}
	r.paths = append(r.paths, path)
	r.values[path] = v
	return nil
}

// Get returns the value at path.
func (r *FlatRow) Get(path string) (Scalar, bool) {
	v, ok := r.values[path]
	return v, ok
}

// Paths returns the row's column paths in first-set order.
func (r *FlatRow) Paths() []string {
	out := make([]string, len(r.paths))
	copy(out, r.paths)
	return out
}

// Len returns the number of columns in the row.
func (r *FlatRow) Len() int { return len(r.paths) }

// ObservedColumn summarizes one column across a batch of rows: every distinct
// type seen (first-seen order) and whether any row lacked it or held null.
type ObservedColumn struct {
	Path     string
	Types    []PrimitiveType
	Nullable bool
}
