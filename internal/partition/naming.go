package partition

import (
	"encoding/binary"
	"fmt"
	"math"
	"path"

	"github.com/spaolacci/murmur3"

	"github.com/tabulake/tabulake/pkg/types"
)

// ContentHash returns a 128-bit hex digest of the canonical encoding of rows
// and the column layout they are encoded with. Identical batches under an
// unchanged layout always hash identically, so a retried write maps to the
// same object keys. The schema version number is not part of the digest.
func ContentHash(rows []*types.FlatRow, schema types.TableSchema) string {
	h := murmur3.New128()
	var buf [binary.MaxVarintLen64]byte

	putUvarint := func(v uint64) {
		n := binary.PutUvarint(buf[:], v)
		h.Write(buf[:n])
	}
	putString := func(s string) {
		putUvarint(uint64(len(s)))
		h.Write([]byte(s))
	}

	putUvarint(uint64(len(schema.Columns)))
	for _, c := range schema.Columns {
		putString(c.Path)
		putString(string(c.Type))
		if c.Nullable {
			putUvarint(1)
		} else {
			putUvarint(0)
		}
	}

	putUvarint(uint64(len(rows)))
	for _, row := range rows {
		paths := row.Paths()
		putUvarint(uint64(len(paths)))
		for _, p := range paths {
			v, _ := row.Get(p)
			putString(p)
			putString(string(v.Type))
			switch v.Type {
			case types.TypeInteger:
				putUvarint(uint64(v.Int))
			case types.TypeFloat:
				putUvarint(math.Float64bits(v.Float))
			case types.TypeBoolean:
				if v.Bool {
					putUvarint(1)
				} else {
					putUvarint(0)
				}
			case types.TypeString:
				putString(v.Str)
			}
		}
	}

	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// FileName returns the object name of chunk i of a batch with the given hash.
func FileName(hash string, chunk int) string {
	return fmt.Sprintf("%s-%05d%s", hash, chunk, FileExtension)
}

// PartitionPrefix returns the storage prefix of a partition:
// <root>/<table>/<partitionKey>.
func PartitionPrefix(root, table, partitionKey string) string {
	return path.Join(root, table, partitionKey)
}

// TablePrefix returns the storage prefix of every partition of a table.
func TablePrefix(root, table string) string {
	return path.Join(root, table)
}
