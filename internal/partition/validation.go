package partition

import (
	"fmt"
	"strings"

	"github.com/tabulake/tabulake/pkg/types"
)

// ValidationError represents a row that does not fit the table schema.
type ValidationError struct {
	RowIndex int
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d, field %q: %s", e.RowIndex, e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// SchemaValidator checks rows against a reconciled table schema before they
// are encoded.
type SchemaValidator struct {
	schema types.TableSchema
	index  map[string]types.ColumnDef
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator(schema types.TableSchema) *SchemaValidator {
	index := make(map[string]types.ColumnDef, len(schema.Columns))
	for _, c := range schema.Columns {
		index[c.Path] = c
	}
	return &SchemaValidator{schema: schema, index: index}
}

// ValidateRow validates a single row against the schema.
func (v *SchemaValidator) ValidateRow(row *types.FlatRow, rowIndex int) []*ValidationError {
	var errors []*ValidationError

	for _, path := range row.Paths() {
		col, ok := v.index[path]
		if !ok {
			errors = append(errors, &ValidationError{
				RowIndex: rowIndex,
				Field:    path,
				Message:  "column is not part of the table schema",
			})
			continue
		}
		val, _ := row.Get(path)
		if !fits(col.Type, val.Type) {
			errors = append(errors, &ValidationError{
				RowIndex: rowIndex,
				Field:    path,
				Message:  fmt.Sprintf("%s value does not fit %s column", val.Type, col.Type),
			})
		}
	}

	for _, col := range v.schema.Columns {
		if col.Nullable {
			continue
		}
		val, ok := row.Get(col.Path)
		if !ok || val.IsNull() {
			errors = append(errors, &ValidationError{
				RowIndex: rowIndex,
				Field:    col.Path,
				Message:  "column is not nullable",
			})
		}
	}

	return errors
}

// fits reports whether a value of type got may be stored in a column of type col.
func fits(col, got types.PrimitiveType) bool {
	switch {
	case got == types.TypeNull:
		return true
	case col == got:
		return true
	case col == types.TypeFloat && got == types.TypeInteger:
		return true
	default:
		return false
	}
}

// ValidateRows validates multiple rows against the schema.
func (v *SchemaValidator) ValidateRows(rows []*types.FlatRow) ValidationErrors {
	var allErrors ValidationErrors

	for i, row := range rows {
		rowErrors := v.ValidateRow(row, i)
		allErrors = append(allErrors, rowErrors...)
	}

	return allErrors
}

// Validate validates rows and returns an error if any validation fails.
func (v *SchemaValidator) Validate(rows []*types.FlatRow) error {
	errors := v.ValidateRows(rows)
	if len(errors) > 0 {
		return errors
	}
	return nil
}

// ValidateSchema validates the schema definition itself.
func ValidateSchema(schema types.TableSchema) error {
	if len(schema.Columns) == 0 {
		return fmt.Errorf("schema must have at least one column")
	}

	seen := make(map[string]bool, len(schema.Columns))
	for _, col := range schema.Columns {
		if col.Path == "" {
			return fmt.Errorf("column path cannot be empty")
		}
		if seen[col.Path] {
			return fmt.Errorf("duplicate column path: %s", col.Path)
		}
		seen[col.Path] = true

		if !col.Type.Valid() {
			return fmt.Errorf("invalid column type %q for column %q", col.Type, col.Path)
		}
	}
	return nil
}

// ValidatePartitionKey checks that a partition key is a single, safe path segment.
func ValidatePartitionKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("partition key cannot be empty")
	case key == "." || key == "..":
		return fmt.Errorf("partition key %q is not a valid path segment", key)
	case strings.ContainsAny(key, "/\\"):
		return fmt.Errorf("partition key %q must not contain path separators", key)
	case strings.ContainsRune(key, 0):
		return fmt.Errorf("partition key must not contain NUL bytes")
	}
	return nil
}
