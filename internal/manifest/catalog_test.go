package manifest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/pkg/types"
)

var ordersTable = types.TableIdentity{Database: "lake", Table: "orders"}

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	catalog, err := NewCatalog(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	return catalog
}

func testSchema(version int, cols ...types.ColumnDef) types.TableSchema {
	return types.TableSchema{Version: version, Columns: cols}
}

func col(path string, typ types.PrimitiveType, nullable bool) types.ColumnDef {
	return types.ColumnDef{Path: path, Type: typ, Nullable: nullable}
}

func testPartition(key string, files ...string) types.Partition {
	p := types.Partition{Key: key, Location: "cleansed/orders/" + key}
	for _, f := range files {
		p.Files = append(p.Files, types.DataFile{Path: p.Location + "/" + f, RowCount: 10, SizeBytes: 100, SchemaVersion: 1})
	}
	return p
}

func registration(schema types.TableSchema, p types.Partition, mode types.WriteMode) Registration {
	return Registration{
		Table:     ordersTable,
		Location:  "cleansed/orders",
		Schema:    schema,
		Partition: p,
		Mode:      mode,
	}
}

func TestCatalog_RegisterAndLookup(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if _, err := catalog.Lookup(ctx, ordersTable); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}

	schema := testSchema(1, col("id", types.TypeInteger, false), col("price", types.TypeFloat, true))
	res, err := catalog.Register(ctx, registration(schema, testPartition("eu", "a.parquet"), types.WriteModeAppend))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !res.Changed || !res.SchemaChanged {
		t.Errorf("expected first registration to change entry and schema, got %+v", res)
	}

	entry, err := catalog.Lookup(ctx, ordersTable)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if entry.Location != "cleansed/orders" {
		t.Errorf("location = %q", entry.Location)
	}
	if !entry.Schema.Equal(schema) || entry.Schema.Version != 1 {
		t.Errorf("schema mismatch: %+v", entry.Schema)
	}
	if len(entry.Partitions) != 1 {
		t.Fatalf("expected 1 partition, got %d", len(entry.Partitions))
	}
	p := entry.Partitions[0]
	if p.Key != "eu" || len(p.Files) != 1 || p.Files[0].Path != "cleansed/orders/eu/a.parquet" {
		t.Errorf("unexpected partition: %+v", p)
	}
	if p.Files[0].RowCount != 10 || p.Files[0].SizeBytes != 100 || p.Files[0].SchemaVersion != 1 {
		t.Errorf("file stats not preserved: %+v", p.Files[0])
	}
	if entry.Version != 1 {
		t.Errorf("expected entry version 1, got %d", entry.Version)
	}
}

func TestCatalog_RegisterIsIdempotent(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	schema := testSchema(1, col("id", types.TypeInteger, false))
	reg := registration(schema, testPartition("eu", "a.parquet"), types.WriteModeAppend)

	if _, err := catalog.Register(ctx, reg); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	res, err := catalog.Register(ctx, reg)
	if err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if res.Changed {
		t.Error("second registration should be a no-op")
	}

	entry, err := catalog.Lookup(ctx, ordersTable)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if entry.Version != 1 {
		t.Errorf("no-op must not bump the entry version, got %d", entry.Version)
	}
	if len(entry.Partitions) != 1 || len(entry.Partitions[0].Files) != 1 {
		t.Errorf("expected one partition with one file, got %+v", entry.Partitions)
	}

	versions, err := catalog.Versions().ListVersions(ctx, ordersTable)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("expected 1 schema version, got %d", len(versions))
	}
}

func TestCatalog_AppendUnionsFiles(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	schema := testSchema(1, col("id", types.TypeInteger, false))

	for _, f := range []string{"a.parquet", "b.parquet", "a.parquet"} {
		if _, err := catalog.Register(ctx, registration(schema, testPartition("eu", f), types.WriteModeAppend)); err != nil {
			t.Fatalf("register %s failed: %v", f, err)
		}
	}

	entry, err := catalog.Lookup(ctx, ordersTable)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	got := entry.Partitions[0].FilePaths()
	want := []string{"cleansed/orders/eu/a.parquet", "cleansed/orders/eu/b.parquet"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("files = %v, want %v", got, want)
	}
}

func TestCatalog_OverwriteReplacesFiles(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	schema := testSchema(1, col("id", types.TypeInteger, false))

	if _, err := catalog.Register(ctx, registration(schema, testPartition("eu", "a.parquet", "b.parquet"), types.WriteModeAppend)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := catalog.Register(ctx, registration(schema, testPartition("us", "c.parquet"), types.WriteModeAppend)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := catalog.Register(ctx, registration(schema, testPartition("eu", "z.parquet"), types.WriteModeOverwrite)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	entry, err := catalog.Lookup(ctx, ordersTable)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	eu, _ := entry.Partition("eu")
	if fmt.Sprint(eu.FilePaths()) != "[cleansed/orders/eu/z.parquet]" {
		t.Errorf("eu files = %v", eu.FilePaths())
	}
	us, _ := entry.Partition("us")
	if len(us.Files) != 1 {
		t.Errorf("other partitions must be untouched, got %v", us.FilePaths())
	}
}

func TestCatalog_SchemaEvolution(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	v1 := testSchema(1, col("id", types.TypeInteger, false), col("price", types.TypeInteger, false))
	if _, err := catalog.Register(ctx, registration(v1, testPartition("eu", "a.parquet"), types.WriteModeAppend)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// A batch reconciled from v1 widens price and adds a column
	v2 := testSchema(2,
		col("id", types.TypeInteger, false),
		col("price", types.TypeFloat, false),
		col("coupon", types.TypeString, true),
	)
	res, err := catalog.Register(ctx, registration(v2, testPartition("eu", "b.parquet"), types.WriteModeAppend))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !res.SchemaChanged {
		t.Error("expected schema change")
	}

	entry := res.Entry
	if entry.Schema.Version != 2 {
		t.Errorf("expected schema version 2, got %d", entry.Schema.Version)
	}
	price, _, _ := entry.Schema.Column("price")
	if price.Type != types.TypeFloat {
		t.Errorf("price type = %s, want float", price.Type)
	}
	if got := entry.Schema.Paths(); fmt.Sprint(got) != "[id price coupon]" {
		t.Errorf("column order = %v", got)
	}

	diff, err := catalog.Versions().GetColumnDiff(ctx, ordersTable, 1, 2)
	if err != nil {
		t.Fatalf("column diff failed: %v", err)
	}
	if len(diff) != 1 || diff[0].Path != "coupon" {
		t.Errorf("unexpected diff: %+v", diff)
	}
}

func TestCatalog_StaleSchemaIsMerged(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	base := testSchema(1, col("id", types.TypeInteger, false))
	if _, err := catalog.Register(ctx, registration(base, testPartition("eu", "a.parquet"), types.WriteModeAppend)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Two batches reconciled against the same base, each adding a column
	withA := testSchema(2, col("id", types.TypeInteger, false), col("a", types.TypeString, true))
	withB := testSchema(2, col("id", types.TypeInteger, false), col("b", types.TypeBoolean, true))

	if _, err := catalog.Register(ctx, registration(withA, testPartition("eu", "b.parquet"), types.WriteModeAppend)); err != nil {
		t.Fatalf("register A failed: %v", err)
	}
	res, err := catalog.Register(ctx, registration(withB, testPartition("us", "c.parquet"), types.WriteModeAppend))
	if err != nil {
		t.Fatalf("register B failed: %v", err)
	}

	if got := res.Entry.Schema.Paths(); fmt.Sprint(got) != "[id a b]" {
		t.Errorf("expected union of columns, got %v", got)
	}
	if res.Entry.Schema.Version != 3 {
		t.Errorf("expected schema version 3, got %d", res.Entry.Schema.Version)
	}
}

func TestCatalog_StaleRegistrationRestampsFiles(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	base := testSchema(1, col("id", types.TypeInteger, false))
	if _, err := catalog.Register(ctx, registration(base, testPartition("eu", "a.parquet"), types.WriteModeAppend)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Both batches were reconciled from v1 and both claim version 2
	withA := testSchema(2, col("id", types.TypeInteger, false), col("a", types.TypeString, true))
	withB := testSchema(2, col("id", types.TypeInteger, false), col("b", types.TypeBoolean, true))

	pa := testPartition("eu", "b.parquet")
	pa.Files[0].SchemaVersion = 2
	if _, err := catalog.Register(ctx, registration(withA, pa, types.WriteModeAppend)); err != nil {
		t.Fatalf("register A failed: %v", err)
	}
	pb := testPartition("us", "c.parquet")
	pb.Files[0].SchemaVersion = 2
	res, err := catalog.Register(ctx, registration(withB, pb, types.WriteModeAppend))
	if err != nil {
		t.Fatalf("register B failed: %v", err)
	}

	eu, _ := res.Entry.Partition("eu")
	us, ok := res.Entry.Partition("us")
	if !ok || len(us.Files) != 1 {
		t.Fatalf("partition us not registered: %+v", res.Entry.Partitions)
	}
	if got := eu.Files[1].SchemaVersion; got != 2 {
		t.Errorf("file registered without a race keeps version 2, got %d", got)
	}

	// Every column of the file must exist in the version it is tagged with
	for _, f := range []types.DataFile{eu.Files[1], us.Files[0]} {
		record, err := catalog.Versions().GetSchemaVersion(ctx, ordersTable, f.SchemaVersion)
		if err != nil {
			t.Fatalf("version %d of %s not recorded: %v", f.SchemaVersion, f.Path, err)
		}
		want := "a"
		if f.Path == us.Files[0].Path {
			want = "b"
		}
		if _, _, ok := record.Schema.Column(want); !ok {
			t.Errorf("%s tagged v%d lacks column %s: %v", f.Path, f.SchemaVersion, want, record.Schema.Paths())
		}
	}
	if got := us.Files[0].SchemaVersion; got != 3 {
		t.Errorf("stale registration must be tagged with the merged version 3, got %d", got)
	}

	// A redelivery of the stale registration changes nothing
	again, err := catalog.Register(ctx, registration(withB, pb, types.WriteModeAppend))
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if again.Changed {
		t.Error("redelivered registration must be a no-op")
	}
}

func TestCatalog_IncompatibleMergeConflicts(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	withInt := testSchema(1, col("id", types.TypeInteger, false), col("x", types.TypeInteger, true))
	withString := testSchema(1, col("id", types.TypeInteger, false), col("x", types.TypeString, true))

	if _, err := catalog.Register(ctx, registration(withInt, testPartition("eu", "a.parquet"), types.WriteModeAppend)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	_, err := catalog.Register(ctx, registration(withString, testPartition("us", "b.parquet"), types.WriteModeAppend))
	if !errors.Is(err, apperrors.ErrSchemaConflict) {
		t.Fatalf("expected schema conflict, got %v", err)
	}
	details := apperrors.GetDetails(err)
	if details["column"] != "x" || details["table"] != ordersTable.String() || details["partition"] != "us" {
		t.Errorf("missing conflict details: %v", details)
	}

	// The losing registration left nothing behind
	entry, err := catalog.Lookup(ctx, ordersTable)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if _, ok := entry.Partition("us"); ok {
		t.Error("conflicting partition must not be registered")
	}
}

func TestCatalog_ConcurrentRegistrationsUnionColumns(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			schema := testSchema(1,
				col("id", types.TypeInteger, false),
				col(fmt.Sprintf("col_%d", i), types.TypeString, false),
			)
			p := testPartition(fmt.Sprintf("p%d", i), "f.parquet")
			if _, err := catalog.Register(ctx, registration(schema, p, types.WriteModeAppend)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent register failed: %v", err)
	}

	entry, err := catalog.Lookup(ctx, ordersTable)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(entry.Partitions) != n {
		t.Errorf("expected %d partitions, got %d", n, len(entry.Partitions))
	}
	for i := 0; i < n; i++ {
		if _, _, ok := entry.Schema.Column(fmt.Sprintf("col_%d", i)); !ok {
			t.Errorf("column col_%d lost", i)
		}
	}
	if len(entry.Schema.Columns) != n+1 {
		t.Errorf("expected %d columns, got %d", n+1, len(entry.Schema.Columns))
	}
}

func TestCatalog_ListTables(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	schema := testSchema(1, col("id", types.TypeInteger, false))

	other := registration(schema, testPartition("eu", "a.parquet"), types.WriteModeAppend)
	other.Table = types.TableIdentity{Database: "lake", Table: "customers"}
	if _, err := catalog.Register(ctx, other); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := catalog.Register(ctx, registration(schema, testPartition("eu", "a.parquet"), types.WriteModeAppend)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	tables, err := catalog.ListTables(ctx)
	if err != nil {
		t.Fatalf("list tables failed: %v", err)
	}
	if fmt.Sprint(tables) != "[lake.customers lake.orders]" {
		t.Errorf("tables = %v", tables)
	}
}

func TestCatalog_UnavailableAfterClose(t *testing.T) {
	catalog, err := NewCatalog(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	catalog.Close()

	_, err = catalog.Lookup(context.Background(), ordersTable)
	if !errors.Is(err, apperrors.ErrCatalogUnavailable) {
		t.Fatalf("expected catalog unavailable, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("catalog unavailable must be retryable")
	}
}

func TestCatalog_RejectsInvalidRegistration(t *testing.T) {
	catalog := newTestCatalog(t)
	schema := testSchema(1, col("id", types.TypeInteger, false))

	reg := registration(schema, testPartition("eu", "a.parquet"), types.WriteModeAppend)
	reg.Table = types.TableIdentity{Table: "orders"}
	if _, err := catalog.Register(context.Background(), reg); err == nil {
		t.Error("expected error for missing database")
	}

	reg = registration(schema, types.Partition{}, types.WriteModeAppend)
	if _, err := catalog.Register(context.Background(), reg); err == nil {
		t.Error("expected error for missing partition key")
	}
}
