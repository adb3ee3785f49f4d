package flatten

import (
	"encoding/json"
	"fmt"
	"io"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/pkg/types"
)

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 256

// Decoder reads a stream of JSON documents into RawRecords. It accepts a
// single document, a JSON array, or newline-delimited documents. Mapping
// keys keep document order and numbers keep their literal text.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Decoder{dec: dec}
}

// Next returns the next top-level document. It returns io.EOF once the
// stream is exhausted.
func (d *Decoder) Next() (types.RawRecord, error) {
	tok, err := d.dec.Token()
	if err == io.EOF {
		return types.Value{}, io.EOF
	}
	if err != nil {
		return types.Value{}, apperrors.NewMalformedInputError("invalid JSON document", err)
	}
	return d.parse(tok, 0)
}

// DecodeAll reads every document from r.
func DecodeAll(r io.Reader) ([]types.RawRecord, error) {
	d := NewDecoder(r)
	var docs []types.RawRecord
	for {
		doc, err := d.Next()
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

func (d *Decoder) parse(tok json.Token, depth int) (types.Value, error) {
	if depth > maxDepth {
		return types.Value{}, apperrors.NewMalformedInputError(
			fmt.Sprintf("document nesting exceeds %d levels", maxDepth), nil)
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return d.parseMapping(depth)
		case '[':
			return d.parseSequence(depth)
		default:
			return types.Value{}, apperrors.NewMalformedInputError(
				fmt.Sprintf("unexpected delimiter %q", t), nil)
		}
	case string:
		return types.String(t), nil
	case json.Number:
		return types.Number(t.String()), nil
	case bool:
		return types.Bool(t), nil
	case nil:
		return types.Null(), nil
	default:
		return types.Value{}, apperrors.NewMalformedInputError(
			fmt.Sprintf("unexpected token %T", tok), nil)
	}
}

func (d *Decoder) parseMapping(depth int) (types.Value, error) {
	fields := []types.Field{}
	for d.dec.More() {
		keyTok, err := d.dec.Token()
		if err != nil {
			return types.Value{}, apperrors.NewMalformedInputError("invalid object key", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return types.Value{}, apperrors.NewMalformedInputError(
				fmt.Sprintf("object key is %T, expected string", keyTok), nil)
		}

		valTok, err := d.dec.Token()
		if err != nil {
			return types.Value{}, apperrors.NewMalformedInputError(
				fmt.Sprintf("invalid value for key %q", key), err)
		}
		v, err := d.parse(valTok, depth+1)
		if err != nil {
			return types.Value{}, err
		}
		fields = append(fields, types.Field{Key: key, Value: v})
	}
	if _, err := d.dec.Token(); err != nil {
		return types.Value{}, apperrors.NewMalformedInputError("unterminated object", err)
	}
	return types.Mapping(fields...), nil
}

func (d *Decoder) parseSequence(depth int) (types.Value, error) {
	items := []types.Value{}
	for d.dec.More() {
		tok, err := d.dec.Token()
		if err != nil {
			return types.Value{}, apperrors.NewMalformedInputError("invalid array element", err)
		}
		v, err := d.parse(tok, depth+1)
		if err != nil {
			return types.Value{}, err
		}
		items = append(items, v)
	}
	if _, err := d.dec.Token(); err != nil {
		return types.Value{}, apperrors.NewMalformedInputError("unterminated array", err)
	}
	return types.Sequence(items...), nil
}
