package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tabulake/tabulake/pkg/types"
)

// SchemaVersionManager tracks the schema history of each table. A version is
// recorded only when the column set or a column type or nullability changes.
type SchemaVersionManager struct {
	db *sql.DB
}

// NewSchemaVersionManager creates a new schema version manager using the catalog's database.
func NewSchemaVersionManager(catalog *SQLiteCatalog) *SchemaVersionManager {
	return &SchemaVersionManager{db: catalog.readDB}
}

// SchemaVersionRecord represents a stored schema version.
type SchemaVersionRecord struct {
	Version   int
	Schema    types.TableSchema
	CreatedAt time.Time
}

// recordTx stores schema as a new version inside the registration transaction.
// Re-recording an existing version is a no-op.
func (m *SchemaVersionManager) recordTx(ctx context.Context, tx *sql.Tx, table types.TableIdentity, schema types.TableSchema, now int64) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("schema_version: failed to marshal schema: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO schema_versions (database, table_name, version, schema_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (database, table_name, version) DO NOTHING`,
		table.Database, table.Table, schema.Version, string(schemaJSON), now,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("failed to insert schema version %d", schema.Version), err)
	}
	return nil
}

// GetCurrentVersion returns the latest schema version number of a table.
// Returns 0 if no schema versions have been registered.
func (m *SchemaVersionManager) GetCurrentVersion(ctx context.Context, table types.TableIdentity) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_versions WHERE database = ? AND table_name = ?",
		table.Database, table.Table,
	).Scan(&version)
	if err != nil {
		return 0, unavailable("failed to get current schema version", err)
	}
	return version, nil
}

// GetSchemaVersion retrieves a specific schema version record.
func (m *SchemaVersionManager) GetSchemaVersion(ctx context.Context, table types.TableIdentity, version int) (*SchemaVersionRecord, error) {
	var schemaJSON string
	var createdAt int64

	err := m.db.QueryRowContext(ctx,
		"SELECT schema_json, created_at FROM schema_versions WHERE database = ? AND table_name = ? AND version = ?",
		table.Database, table.Table, version,
	).Scan(&schemaJSON, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("schema_version: version %d of %s not found", version, table)
		}
		return nil, unavailable(fmt.Sprintf("failed to get schema version %d", version), err)
	}

	var schema types.TableSchema
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return nil, corrupt(table, err)
	}

	return &SchemaVersionRecord{
		Version:   version,
		Schema:    schema,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
	}, nil
}

// ListVersions returns all schema versions of a table ordered by version number.
func (m *SchemaVersionManager) ListVersions(ctx context.Context, table types.TableIdentity) ([]SchemaVersionRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT version, schema_json, created_at FROM schema_versions WHERE database = ? AND table_name = ? ORDER BY version ASC",
		table.Database, table.Table,
	)
	if err != nil {
		return nil, unavailable("failed to list schema versions", err)
	}
	defer rows.Close()

	var records []SchemaVersionRecord
	for rows.Next() {
		var version int
		var schemaJSON string
		var createdAt int64

		if err := rows.Scan(&version, &schemaJSON, &createdAt); err != nil {
			return nil, unavailable("failed to scan schema version", err)
		}

		var schema types.TableSchema
		if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
			return nil, corrupt(table, err)
		}

		records = append(records, SchemaVersionRecord{
			Version:   version,
			Schema:    schema,
			CreatedAt: time.UnixMilli(createdAt).UTC(),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("error iterating schema versions", err)
	}

	return records, nil
}

// GetColumnDiff returns columns present in newVersion but absent in oldVersion.
func (m *SchemaVersionManager) GetColumnDiff(ctx context.Context, table types.TableIdentity, oldVersion, newVersion int) ([]types.ColumnDef, error) {
	oldRecord, err := m.GetSchemaVersion(ctx, table, oldVersion)
	if err != nil {
		return nil, err
	}

	newRecord, err := m.GetSchemaVersion(ctx, table, newVersion)
	if err != nil {
		return nil, err
	}

	oldCols := make(map[string]bool)
	for _, col := range oldRecord.Schema.Columns {
		oldCols[col.Path] = true
	}

	var diff []types.ColumnDef
	for _, col := range newRecord.Schema.Columns {
		if !oldCols[col.Path] {
			diff = append(diff, col)
		}
	}

	return diff, nil
}
