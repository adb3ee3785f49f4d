package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/internal/schema"
	"github.com/tabulake/tabulake/pkg/types"
)

// ErrTableNotFound is returned by Lookup for a table that was never registered.
var ErrTableNotFound = errors.New("manifest: table not found")

// Catalog records table schemas and the published file set of each partition.
type Catalog interface {
	CatalogReader

	// Register publishes a partition of a table together with the table
	// schema. Registering the same files with an unchanged schema is a no-op.
	Register(ctx context.Context, reg Registration) (*RegisterResult, error)

	// Close closes the catalog database connection.
	Close() error
}

// Registration is one update of a table's catalog entry.
type Registration struct {
	Table types.TableIdentity
	// Location is the table root, used when the table is first registered.
	Location string
	// Schema is the reconciled schema the partition files were written with.
	Schema types.TableSchema
	// Partition carries the files of this write.
	Partition types.Partition
	// Mode selects whether Partition.Files are added to (append) or replace
	// (overwrite) the partition's published files.
	Mode types.WriteMode
}

// RegisterResult describes the outcome of a registration.
type RegisterResult struct {
	// Entry is the catalog entry after registration.
	Entry *types.CatalogEntry
	// Changed is false when the registration was a no-op.
	Changed bool
	// SchemaChanged is true when a new schema version was recorded.
	SchemaChanged bool
	// Attempts is the number of compare-and-swap rounds used.
	Attempts int
}

// Options configures a SQLiteCatalog.
type Options struct {
	// MaxCASAttempts bounds compare-and-swap rounds per registration.
	MaxCASAttempts int
	// Clock stamps entries; defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default catalog options.
func DefaultOptions() Options {
	return Options{MaxCASAttempts: 32}
}

// SQLiteCatalog implements Catalog using SQLite.
//
// Registrations are optimistic: the entry is read without locks, the new
// schema and file set are computed, and the update only applies if the
// entry's version is unchanged. A lost race re-reads and re-merges, so
// concurrent registrations never drop each other's columns or files.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	opts     Options
	clock    clockwork.Clock
	logger   *slog.Logger
	versions *SchemaVersionManager
}

// NewCatalog creates a new SQLite-based catalog with default options.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	return NewCatalogWithOptions(dbPath, DefaultOptions())
}

// NewCatalogWithOptions creates a new SQLite-based catalog.
func NewCatalogWithOptions(dbPath string, opts Options) (*SQLiteCatalog, error) {
	if opts.MaxCASAttempts <= 0 {
		opts.MaxCASAttempts = DefaultOptions().MaxCASAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, unavailable("failed to open database", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, unavailable("failed to open read database", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	catalog := &SQLiteCatalog{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "catalog"),
	}
	catalog.versions = NewSchemaVersionManager(catalog)

	// Initialize schema (uses write connection)
	if err := catalog.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, unavailable("failed to initialize schema", err)
	}

	return catalog, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Versions returns the schema version history of the catalog.
func (c *SQLiteCatalog) Versions() *SchemaVersionManager {
	return c.versions
}

// Lookup returns the catalog entry of a table with its partitions ordered by key.
func (c *SQLiteCatalog) Lookup(ctx context.Context, table types.TableIdentity) (*types.CatalogEntry, error) {
	entry, err := c.lookup(ctx, table)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrTableNotFound
	}
	return entry, nil
}

// lookup returns nil, nil for a missing table.
func (c *SQLiteCatalog) lookup(ctx context.Context, table types.TableIdentity) (*types.CatalogEntry, error) {
	var (
		location   string
		schemaJSON string
		version    int64
		updatedAt  int64
	)
	err := c.readDB.QueryRowContext(ctx,
		"SELECT location, schema_json, version, updated_at FROM tables WHERE database = ? AND name = ?",
		table.Database, table.Table,
	).Scan(&location, &schemaJSON, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("failed to read table "+table.String(), err)
	}

	var ts types.TableSchema
	if err := json.Unmarshal([]byte(schemaJSON), &ts); err != nil {
		return nil, corrupt(table, err)
	}

	entry := &types.CatalogEntry{
		Table:     table,
		Location:  location,
		Schema:    ts,
		Version:   version,
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}

	partitions, err := c.readPartitions(ctx, table)
	if err != nil {
		return nil, err
	}
	entry.Partitions = partitions
	return entry, nil
}

func (c *SQLiteCatalog) readPartitions(ctx context.Context, table types.TableIdentity) ([]types.Partition, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT p.partition_key, p.location, f.object_path, f.row_count, f.size_bytes, f.schema_version
		FROM partitions p
		LEFT JOIN partition_files f
			ON f.database = p.database AND f.table_name = p.table_name AND f.partition_key = p.partition_key
		WHERE p.database = ? AND p.table_name = ?
		ORDER BY p.partition_key, f.seq`,
		table.Database, table.Table,
	)
	if err != nil {
		return nil, unavailable("failed to read partitions of "+table.String(), err)
	}
	defer rows.Close()

	var partitions []types.Partition
	for rows.Next() {
		var (
			key, location string
			objectPath    sql.NullString
			rowCount      sql.NullInt64
			sizeBytes     sql.NullInt64
			schemaVersion sql.NullInt64
		)
		if err := rows.Scan(&key, &location, &objectPath, &rowCount, &sizeBytes, &schemaVersion); err != nil {
			return nil, unavailable("failed to scan partition", err)
		}
		if n := len(partitions); n == 0 || partitions[n-1].Key != key {
			partitions = append(partitions, types.Partition{Key: key, Location: location})
		}
		if objectPath.Valid {
			p := &partitions[len(partitions)-1]
			p.Files = append(p.Files, types.DataFile{
				Path:          objectPath.String,
				RowCount:      rowCount.Int64,
				SizeBytes:     sizeBytes.Int64,
				SchemaVersion: int(schemaVersion.Int64),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("error iterating partitions", err)
	}
	return partitions, nil
}

// ListTables returns every registered table ordered by database and name.
func (c *SQLiteCatalog) ListTables(ctx context.Context) ([]types.TableIdentity, error) {
	rows, err := c.readDB.QueryContext(ctx, "SELECT database, name FROM tables ORDER BY database, name")
	if err != nil {
		return nil, unavailable("failed to list tables", err)
	}
	defer rows.Close()

	var out []types.TableIdentity
	for rows.Next() {
		var t types.TableIdentity
		if err := rows.Scan(&t.Database, &t.Table); err != nil {
			return nil, unavailable("failed to scan table", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("error iterating tables", err)
	}
	return out, nil
}

// Register publishes reg.Partition and merges reg.Schema into the stored
// schema with compare-and-swap on the entry version.
func (c *SQLiteCatalog) Register(ctx context.Context, reg Registration) (*RegisterResult, error) {
	if err := reg.Table.Validate(); err != nil {
		return nil, apperrors.NewInternalError("invalid registration", err)
	}
	if reg.Partition.Key == "" {
		return nil, apperrors.NewInternalError("registration without partition key", nil)
	}
	details := map[string]interface{}{"table": reg.Table.String(), "partition": reg.Partition.Key}

	for attempt := 1; attempt <= c.opts.MaxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := c.lookup(ctx, reg.Table)
		if err != nil {
			return nil, err
		}

		var currentSchema *types.TableSchema
		var existing types.Partition
		var hadPartition bool
		if current != nil {
			currentSchema = &current.Schema
			existing, hadPartition = current.Partition(reg.Partition.Key)
		}

		merged, err := schema.Merge(currentSchema, reg.Schema)
		if err != nil {
			var appErr *apperrors.Error
			if errors.As(err, &appErr) {
				return nil, appErr.WithDetails(details)
			}
			return nil, err
		}

		files := stampFiles(reg.Partition.Files, reg.Schema.Version, merged.Version)
		if reg.Mode != types.WriteModeOverwrite && hadPartition {
			files = unionFiles(existing.Files, reg.Partition.Files)
		}

		schemaChanged := current == nil || !merged.Equal(current.Schema)
		if !schemaChanged && hadPartition && sameFiles(existing.Files, files) {
			return &RegisterResult{Entry: current, Attempts: attempt}, nil
		}

		applied, err := c.apply(ctx, reg, current, merged, schemaChanged, files)
		if err != nil {
			return nil, err
		}
		if applied {
			entry, err := c.Lookup(ctx, reg.Table)
			if err != nil {
				return nil, err
			}
			c.logger.Debug("partition registered",
				"table", reg.Table.String(),
				"partition", reg.Partition.Key,
				"files", len(files),
				"schema_version", merged.Version,
				"attempt", attempt,
			)
			return &RegisterResult{Entry: entry, Changed: true, SchemaChanged: schemaChanged, Attempts: attempt}, nil
		}

		c.logger.Debug("catalog version conflict, retrying",
			"table", reg.Table.String(),
			"attempt", attempt,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(casBackoff(attempt)):
		}
	}

	return nil, apperrors.Wrap(apperrors.ErrCategoryCatalog, apperrors.CodeVersionConflict,
		fmt.Sprintf("gave up after %d concurrent updates", c.opts.MaxCASAttempts), nil).WithDetails(details)
}

// apply writes the new entry state if the entry version still matches
// current. It reports false when another registration won the race.
func (c *SQLiteCatalog) apply(ctx context.Context, reg Registration, current *types.CatalogEntry, merged types.TableSchema, schemaChanged bool, files []types.DataFile) (bool, error) {
	schemaJSON, err := json.Marshal(merged)
	if err != nil {
		return false, apperrors.NewInternalError("failed to marshal schema", err)
	}
	now := c.clock.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if current == nil {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO tables (database, name, location, schema_json, schema_version, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (database, name) DO NOTHING`,
			reg.Table.Database, reg.Table.Table, reg.Location, string(schemaJSON), merged.Version, now, now,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE tables SET schema_json = ?, schema_version = ?, version = version + 1, updated_at = ?
			WHERE database = ? AND name = ? AND version = ?`,
			string(schemaJSON), merged.Version, now, reg.Table.Database, reg.Table.Table, current.Version,
		)
	}
	if err != nil {
		return false, unavailable("failed to update table "+reg.Table.String(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("failed to update table "+reg.Table.String(), err)
	}
	if affected == 0 {
		return false, nil
	}

	if schemaChanged {
		if err := c.versions.recordTx(ctx, tx, reg.Table, merged, now); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO partitions (database, table_name, partition_key, location, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (database, table_name, partition_key)
		DO UPDATE SET location = excluded.location, updated_at = excluded.updated_at`,
		reg.Table.Database, reg.Table.Table, reg.Partition.Key, reg.Partition.Location, now,
	); err != nil {
		return false, unavailable("failed to upsert partition", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM partition_files WHERE database = ? AND table_name = ? AND partition_key = ?",
		reg.Table.Database, reg.Table.Table, reg.Partition.Key,
	); err != nil {
		return false, unavailable("failed to replace partition files", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO partition_files (database, table_name, partition_key, seq, object_path, row_count, size_bytes, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return false, unavailable("failed to prepare file insert", err)
	}
	defer stmt.Close()

	for i, f := range files {
		if _, err := stmt.ExecContext(ctx,
			reg.Table.Database, reg.Table.Table, reg.Partition.Key, i, f.Path, f.RowCount, f.SizeBytes, f.SchemaVersion,
		); err != nil {
			return false, unavailable("failed to insert partition file", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable("failed to commit transaction", err)
	}
	return true, nil
}

// Close closes the catalog database connection.
func (c *SQLiteCatalog) Close() error {
	// Close read connection first, then write connection
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

// stampFiles relabels files written under proposed with the schema version
// they are published under. When a registration computed from a stale read is
// merged, its own version number may name a different column set; the merged
// version always covers the columns the files were encoded with.
func stampFiles(files []types.DataFile, proposed, merged int) []types.DataFile {
	if proposed == merged {
		return files
	}
	out := make([]types.DataFile, len(files))
	for i, f := range files {
		if f.SchemaVersion == proposed {
			f.SchemaVersion = merged
		}
		out[i] = f
	}
	return out
}

// unionFiles returns existing followed by the files of added not already present.
func unionFiles(existing, added []types.DataFile) []types.DataFile {
	seen := make(map[string]bool, len(existing))
	out := make([]types.DataFile, 0, len(existing)+len(added))
	for _, f := range existing {
		seen[f.Path] = true
		out = append(out, f)
	}
	for _, f := range added {
		if !seen[f.Path] {
			seen[f.Path] = true
			out = append(out, f)
		}
	}
	return out
}

// sameFiles compares two file sets by path, ignoring order.
func sameFiles(a, b []types.DataFile) bool {
	if len(a) != len(b) {
		return false
	}
	paths := make(map[string]bool, len(a))
	for _, f := range a {
		paths[f.Path] = true
	}
	for _, f := range b {
		if !paths[f.Path] {
			return false
		}
	}
	return true
}

// casBackoff returns a short jittered pause before retrying a lost race.
func casBackoff(attempt int) time.Duration {
	base := time.Duration(attempt) * time.Millisecond
	if base > 50*time.Millisecond {
		base = 50 * time.Millisecond
	}
	return base + time.Duration(rand.Int63n(int64(time.Millisecond)))
}

func unavailable(message string, err error) *apperrors.Error {
	return apperrors.NewCatalogUnavailableError("manifest: "+message, err)
}

func corrupt(table types.TableIdentity, err error) *apperrors.Error {
	return apperrors.Wrap(apperrors.ErrCategoryCatalog, apperrors.CodeCorruptEntry,
		"manifest: corrupt schema for "+table.String(), err).WithDetails(map[string]interface{}{"table": table.String()})
}
