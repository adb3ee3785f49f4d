package manifest

import (
	"context"

	"github.com/tabulake/tabulake/pkg/types"
)

// CatalogReader is the read-only interface used by query consumers and the
// reconciliation report.
type CatalogReader interface {
	// Lookup returns the entry of a table, or ErrTableNotFound.
	Lookup(ctx context.Context, table types.TableIdentity) (*types.CatalogEntry, error)

	// ListTables returns the identities of every registered table.
	ListTables(ctx context.Context) ([]types.TableIdentity, error)
}
