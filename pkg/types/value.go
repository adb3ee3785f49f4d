// Package types provides core data types for tabulake.
package types

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Field is a single key/value pair of a mapping. Fields keep document order.
type Field struct {
	Key   string
	Value Value
}

// Value is one node of a RawRecord tree: a scalar, an ordered sequence, or
// an ordered key/value mapping. Numbers keep their literal text so that type
// inference sees exactly what the source wrote.
type Value struct {
	Kind   Kind
	Bool   bool
	Number string
	Str    string
	Items  []Value
	Fields []Field
}

// RawRecord is one decoded source document. It is never mutated after decoding.
type RawRecord = Value

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Number returns a numeric value from its literal representation.
func Number(literal string) Value { return Value{Kind: KindNumber, Number: literal} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Sequence returns an ordered sequence value.
func Sequence(items ...Value) Value { return Value{Kind: KindSequence, Items: items} }

// Mapping returns a mapping value with fields in the given order.
func Mapping(fields ...Field) Value { return Value{Kind: KindMapping, Fields: fields} }

// F is shorthand for constructing a Field.
func F(key string, v Value) Field { return Field{Key: key, Value: v} }

// Get returns the value stored under key in a mapping.
// The first occurrence wins when a key is repeated.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindMapping {
		return Value{}, false
	}
	for _, f := range v.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// IsScalar reports whether the value is a leaf.
func (v Value) IsScalar() bool {
	return v.Kind != KindSequence && v.Kind != KindMapping
}
