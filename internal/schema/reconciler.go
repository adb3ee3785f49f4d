// Package schema reconciles observed batch columns against a table's
// recorded schema, widening compatible types and rejecting conflicts.
package schema

import (
	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/pkg/types"
)

// Widen returns the least upper bound of a and b.
// null is below every type and integer is below float; every other pair of
// distinct types has no common supertype.
func Widen(a, b types.PrimitiveType) (types.PrimitiveType, bool) {
	switch {
	case a == b:
		return a, true
	case a == types.TypeNull:
		return b, true
	case b == types.TypeNull:
		return a, true
	case (a == types.TypeInteger && b == types.TypeFloat) || (a == types.TypeFloat && b == types.TypeInteger):
		return types.TypeFloat, true
	default:
		return "", false
	}
}

// Reconcile merges the batch's observed columns into existing (nil when the
// table has never been ingested) and returns the resulting schema.
//
// Existing columns keep their position; new columns append in first-seen
// order. A column whose types cannot be widened fails with a schema conflict
// naming the column and both types. The version is bumped only when the
// result differs from existing.
func Reconcile(existing *types.TableSchema, batch []types.ObservedColumn) (types.TableSchema, error) {
	var out types.TableSchema
	if existing != nil {
		out = existing.Clone()
	}

	positions := make(map[string]int, len(out.Columns)+len(batch))
	for i, c := range out.Columns {
		positions[c.Path] = i
	}
	seen := make(map[string]bool, len(batch))

	for _, obs := range batch {
		if seen[obs.Path] {
			return types.TableSchema{}, apperrors.NewMalformedInputError("duplicate observed column "+obs.Path, nil)
		}
		seen[obs.Path] = true

		pos, exists := positions[obs.Path]
		if !exists {
			col := types.ColumnDef{Path: obs.Path, Type: types.TypeNull, Nullable: obs.Nullable || existing != nil}
			for _, t := range obs.Types {
				widened, ok := Widen(col.Type, t)
				if !ok {
					return types.TableSchema{}, apperrors.NewSchemaConflictError(obs.Path, string(col.Type), string(t))
				}
				col.Type = widened
			}
			positions[obs.Path] = len(out.Columns)
			out.Columns = append(out.Columns, col)
			continue
		}

		col := out.Columns[pos]
		for _, t := range obs.Types {
			widened, ok := Widen(col.Type, t)
			if !ok {
				return types.TableSchema{}, apperrors.NewSchemaConflictError(obs.Path, string(col.Type), string(t))
			}
			col.Type = widened
		}
		col.Nullable = col.Nullable || obs.Nullable
		out.Columns[pos] = col
	}

	// Rows of this batch carry explicit nulls for columns they lack.
	if existing != nil {
		for i := range out.Columns {
			if !seen[out.Columns[i].Path] {
				out.Columns[i].Nullable = true
			}
		}
	}

	switch {
	case existing == nil:
		out.Version = 1
	case !out.Equal(*existing):
		out.Version = existing.Version + 1
	default:
		out.Version = existing.Version
	}
	return out, nil
}

// Merge reconciles a proposed schema against the current one. It is used when
// a schema computed from an earlier read must be applied on top of a newer
// stored schema.
func Merge(current *types.TableSchema, proposed types.TableSchema) (types.TableSchema, error) {
	return Reconcile(current, Observed(proposed))
}

// Observed converts a schema into observed columns.
func Observed(s types.TableSchema) []types.ObservedColumn {
	out := make([]types.ObservedColumn, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = types.ObservedColumn{
			Path:     c.Path,
			Types:    []types.PrimitiveType{c.Type},
			Nullable: c.Nullable,
		}
	}
	return out
}
