// Package manifest provides the catalog of table schemas and partition files.
package manifest

// Schema contains the SQL schema definitions for the catalog (manifest.db).
// The catalog is the source of truth for which files make up each partition;
// objects in storage that it does not list are invisible to readers.

// CreateTablesTableSQL creates the table registry. version is the
// compare-and-swap counter of the entry and increments on every mutation.
const CreateTablesTableSQL = `
CREATE TABLE IF NOT EXISTS tables (
    database TEXT NOT NULL,
    name TEXT NOT NULL,
    location TEXT NOT NULL,
    schema_json TEXT NOT NULL,
    schema_version INTEGER NOT NULL,
    version INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (database, name)
)`

// CreatePartitionsTableSQL creates the partitions table.
const CreatePartitionsTableSQL = `
CREATE TABLE IF NOT EXISTS partitions (
    database TEXT NOT NULL,
    table_name TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    location TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (database, table_name, partition_key),
    FOREIGN KEY (database, table_name) REFERENCES tables(database, name)
)`

// CreatePartitionFilesTableSQL creates the published file set of each
// partition. seq keeps files in publication order.
const CreatePartitionFilesTableSQL = `
CREATE TABLE IF NOT EXISTS partition_files (
    database TEXT NOT NULL,
    table_name TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    seq INTEGER NOT NULL,
    object_path TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    schema_version INTEGER NOT NULL,
    PRIMARY KEY (database, table_name, partition_key, object_path),
    FOREIGN KEY (database, table_name, partition_key) REFERENCES partitions(database, table_name, partition_key)
)`

// CreateSchemaVersionsTableSQL creates the schema versions table.
// This table tracks schema evolution per table.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    database TEXT NOT NULL,
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    schema_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (database, table_name, version)
)`

// CreateIndexesSQL creates indexes for file lookups.
var CreateIndexesSQL = []string{
	// Index for reconciliation lookups by object path
	`CREATE INDEX IF NOT EXISTS idx_partition_files_path ON partition_files(object_path)`,

	// Index for ordered reads of a partition's files
	`CREATE INDEX IF NOT EXISTS idx_partition_files_seq ON partition_files(database, table_name, partition_key, seq)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateTablesTableSQL,
		CreatePartitionsTableSQL,
		CreatePartitionFilesTableSQL,
		CreateSchemaVersionsTableSQL,
	}
	statements = append(statements, CreateIndexesSQL...)
	return statements
}
