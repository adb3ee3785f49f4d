package flatten

import (
	"fmt"
	"math/rand"
	"reflect"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tabulake/tabulake/pkg/types"
)

// randomItem builds a random item tree from seed. Keys are unique per level.
func randomItem(r *rand.Rand, depth int) types.Value {
	n := 1 + r.Intn(4)
	fields := make([]types.Field, 0, n)
	for i := 0; i < n; i++ {
		fields = append(fields, types.F(fmt.Sprintf("k%d", i), randomValue(r, depth-1)))
	}
	return types.Mapping(fields...)
}

func randomValue(r *rand.Rand, depth int) types.Value {
	choice := r.Intn(7)
	if depth <= 0 && choice >= 5 {
		choice = r.Intn(5)
	}
	switch choice {
	case 0:
		return types.Null()
	case 1:
		return types.Bool(r.Intn(2) == 0)
	case 2:
		return types.Number(strconv.Itoa(r.Intn(1000) - 500))
	case 3:
		return types.Number(strconv.FormatFloat(r.Float64()*100, 'f', 3, 64))
	case 4:
		return types.String(fmt.Sprintf("s%d", r.Intn(100)))
	case 5:
		items := make([]types.Value, r.Intn(3))
		for i := range items {
			items[i] = randomValue(r, depth-1)
		}
		return types.Sequence(items...)
	default:
		return randomItem(r, depth)
	}
}

func snapshot(rows []*types.FlatRow) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		for _, p := range row.Paths() {
			v, _ := row.Get(p)
			out[i] = append(out[i], p+"="+string(v.Type)+":"+v.String())
		}
	}
	return out
}

// TestProperty_FlattenDeterministic validates that flattening the same record
// twice yields identical rows, column order included.
func TestProperty_FlattenDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	f := New(DefaultOptions())

	properties.Property("flatten is deterministic", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			items := make([]types.Value, 1+r.Intn(4))
			for i := range items {
				items[i] = randomItem(r, 3)
			}
			rec := types.Mapping(types.F("items", types.Sequence(items...)))

			rows1, err1 := f.Flatten(rec)
			rows2, err2 := f.Flatten(rec)
			if err1 != nil || err2 != nil {
				return false
			}
			return reflect.DeepEqual(snapshot(rows1), snapshot(rows2))
		},
		gen.Int64(),
	))

	properties.Property("structurally identical records share a column set", prop.ForAll(
		func(seed int64) bool {
			a := randomItem(rand.New(rand.NewSource(seed)), 3)
			b := randomItem(rand.New(rand.NewSource(seed)), 3)

			ra, err := f.FlattenItem(a)
			if err != nil {
				return false
			}
			rb, err := f.FlattenItem(b)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(ra.Paths(), rb.Paths())
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
