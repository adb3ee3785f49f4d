package manifest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tabulake/tabulake/internal/storage"
	"github.com/tabulake/tabulake/pkg/types"
)

// ReconciliationReport contains the results of a catalog-storage reconciliation
// for one table.
type ReconciliationReport struct {
	Table types.TableIdentity
	// DanglingEntries are catalog files that do not exist in storage.
	DanglingEntries []DanglingEntry
	// OrphanedObjects are data files under the table root that no partition lists.
	OrphanedObjects []string
	// TotalCatalogFiles is the number of published files checked.
	TotalCatalogFiles int
	// TotalStorageObjects is the number of storage objects scanned.
	TotalStorageObjects int
	// RunAt is when the reconciliation was performed.
	RunAt time.Time
}

// DanglingEntry represents a catalog file pointing to a missing storage object.
type DanglingEntry struct {
	PartitionKey string
	ObjectPath   string
}

// HasIssues returns true if the report contains any dangling entries or orphaned objects.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.DanglingEntries) > 0 || len(r.OrphanedObjects) > 0
}

// Reconcile checks consistency between a table's catalog entry and object
// storage. Orphans are typically files of failed ingestions whose cleanup
// did not complete, or files superseded by an overwrite whose deletion failed.
// Objects without the given file suffix are ignored.
func Reconcile(ctx context.Context, catalog CatalogReader, store storage.ObjectStorage, table types.TableIdentity, suffix string) (*ReconciliationReport, error) {
	report := &ReconciliationReport{
		Table: table,
		RunAt: time.Now().UTC(),
	}

	entry, err := catalog.Lookup(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to read catalog entry: %w", err)
	}

	// Build a set of known object paths from the catalog.
	catalogPaths := make(map[string]bool)
	for _, p := range entry.Partitions {
		for _, f := range p.Files {
			catalogPaths[f.Path] = true
			report.TotalCatalogFiles++

			if err := ctx.Err(); err != nil {
				return nil, err
			}
			exists, err := store.Exists(ctx, f.Path)
			if err != nil {
				return nil, fmt.Errorf("reconciliation: failed to check object %s: %w", f.Path, err)
			}
			if !exists {
				report.DanglingEntries = append(report.DanglingEntries, DanglingEntry{
					PartitionKey: p.Key,
					ObjectPath:   f.Path,
				})
			}
		}
	}

	objects, err := store.ListObjects(ctx, strings.TrimSuffix(entry.Location, "/")+"/")
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list storage objects: %w", err)
	}
	report.TotalStorageObjects = len(objects)

	for _, objPath := range objects {
		if !strings.HasSuffix(objPath, suffix) {
			continue
		}
		if !catalogPaths[objPath] {
			report.OrphanedObjects = append(report.OrphanedObjects, objPath)
		}
	}
	sort.Strings(report.OrphanedObjects)

	return report, nil
}

// DeleteOrphans removes the orphaned objects of a report. It must only run
// while no ingestion into the table is in flight, since written but not yet
// registered files look like orphans.
func DeleteOrphans(ctx context.Context, store storage.ObjectStorage, report *ReconciliationReport, concurrency int) (int, error) {
	failed := storage.NewBatchDeleter(store, concurrency).Delete(ctx, report.OrphanedObjects)
	deleted := len(report.OrphanedObjects) - len(failed)
	if len(failed) > 0 {
		return deleted, fmt.Errorf("reconciliation: failed to delete %d orphaned objects", len(failed))
	}
	return deleted, nil
}
