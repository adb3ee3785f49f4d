package partition

import (
	"testing"

	"github.com/tabulake/tabulake/pkg/types"
)

type kv struct {
	path  string
	value types.Scalar
}

func flatRow(t *testing.T, fields ...kv) *types.FlatRow {
	t.Helper()
	row := types.NewFlatRow()
	for _, f := range fields {
		if err := row.Set(f.path, f.value); err != nil {
			t.Fatalf("Set(%q) failed: %v", f.path, err)
		}
	}
	return row
}

func ordersSchema() types.TableSchema {
	return types.TableSchema{
		Version: 2,
		Columns: []types.ColumnDef{
			{Path: "id", Type: types.TypeInteger},
			{Path: "price", Type: types.TypeFloat, Nullable: true},
			{Path: "name", Type: types.TypeString, Nullable: true},
			{Path: "paid", Type: types.TypeBoolean, Nullable: true},
			{Path: "note", Type: types.TypeNull, Nullable: true},
		},
	}
}

func ordersRows(t *testing.T) []*types.FlatRow {
	return []*types.FlatRow{
		flatRow(t,
			kv{"id", types.IntScalar(1)},
			kv{"price", types.FloatScalar(9.5)},
			kv{"name", types.StringScalar("widget")},
			kv{"paid", types.BoolScalar(true)},
		),
		// integer widened into the float column, missing name and paid
		flatRow(t,
			kv{"id", types.IntScalar(2)},
			kv{"price", types.IntScalar(3)},
			kv{"note", types.NullScalar()},
		),
	}
}
