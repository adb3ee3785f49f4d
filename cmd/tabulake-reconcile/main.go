// Package main implements the tabulake-reconcile binary. It compares the
// catalog with object storage and reports orphaned files (written but never
// published, or superseded but not deleted) and dangling catalog files.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/tabulake/tabulake/internal/config"
	"github.com/tabulake/tabulake/internal/logger"
	"github.com/tabulake/tabulake/internal/manifest"
	"github.com/tabulake/tabulake/internal/partition"
	"github.com/tabulake/tabulake/internal/storage"
	"github.com/tabulake/tabulake/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "", "path to a YAML or JSON config file")
	envFileFlag := flag.String("env-file", ".env", "dotenv file loaded into the environment if present")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	tableFlag := flag.String("table", "", "table to check as database.table (default: the configured table)")
	allFlag := flag.Bool("all", false, "check every table in the catalog")
	deleteFlag := flag.Bool("delete-orphans", false, "delete orphaned objects; run only while no ingestion is in flight")
	concurrencyFlag := flag.Int("concurrency", 8, "parallel deletes")
	jsonFlag := flag.Bool("json", false, "print reports as JSON")
	historyFlag := flag.Bool("history", false, "also print each table's schema version history")
	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if flag.CommandLine.Changed("verbose") {
		cfg.Verbose = *verboseFlag
	}
	if *tableFlag != "" {
		table, err := types.ParseTableIdentity(*tableFlag)
		if err != nil {
			return fmt.Errorf("--table: %w", err)
		}
		cfg.Catalog.Database, cfg.Catalog.Table = table.Database, table.Table
	}
	cfg.Resolve()

	log := logger.New(cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := manifest.NewCatalogWithOptions(cfg.Catalog.Path, manifest.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer catalog.Close()

	tables := []types.TableIdentity{cfg.Catalog.Identity()}
	if *allFlag {
		if tables, err = catalog.ListTables(ctx); err != nil {
			return err
		}
		if len(tables) == 0 {
			fmt.Println("catalog has no tables")
			return nil
		}
		if cfg.Catalog.Identity().Validate() != nil {
			cfg.Catalog.Database, cfg.Catalog.Table = tables[0].Database, tables[0].Table
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	var issues int
	for _, table := range tables {
		report, err := manifest.Reconcile(ctx, catalog, store, table, partition.FileExtension)
		if err != nil {
			return fmt.Errorf("%s: %w", table, err)
		}
		issues += len(report.OrphanedObjects) + len(report.DanglingEntries)

		if *deleteFlag && len(report.OrphanedObjects) > 0 {
			deleted, err := manifest.DeleteOrphans(ctx, store, report, *concurrencyFlag)
			log.Info("deleted orphaned objects", "table", table.String(), "deleted", deleted)
			if err != nil {
				return err
			}
			issues -= deleted
		}

		log.Debug("reconciliation finished", "table", table.String(), "run_at", report.RunAt)
		if err := printReport(report, *jsonFlag); err != nil {
			return err
		}
		if *historyFlag {
			if err := printHistory(ctx, catalog.Versions(), table); err != nil {
				return err
			}
		}
	}

	if issues > 0 {
		return fmt.Errorf("%d unresolved issues", issues)
	}
	return nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStorage, error) {
	if cfg.Type == "s3" {
		s3cfg := storage.DefaultS3Config()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.UsePathStyle = cfg.S3.UsePathStyle
		if cfg.S3.UploadConcurrency > 0 {
			s3cfg.MultipartConfig.Concurrency = cfg.S3.UploadConcurrency
		}
		s3, err := storage.NewS3Storage(ctx, cfg.S3.Bucket, s3cfg)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	local, err := storage.NewLocalStorage(cfg.Path)
	if err != nil {
		return nil, err
	}
	return local, nil
}

func printReport(report *manifest.ReconciliationReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("%s: %d catalog files, %d storage objects\n",
		report.Table, report.TotalCatalogFiles, report.TotalStorageObjects)
	for _, d := range report.DanglingEntries {
		fmt.Printf("  dangling  %s (partition %s)\n", d.ObjectPath, d.PartitionKey)
	}
	for _, o := range report.OrphanedObjects {
		fmt.Printf("  orphan    %s\n", o)
	}
	if !report.HasIssues() {
		fmt.Println("  ok")
	}
	return nil
}

func printHistory(ctx context.Context, versions *manifest.SchemaVersionManager, table types.TableIdentity) error {
	records, err := versions.ListVersions(ctx, table)
	if err != nil {
		return err
	}
	var prev int
	for _, rec := range records {
		fmt.Printf("  schema v%d  %s  %d columns\n",
			rec.Version, rec.CreatedAt.Format(time.RFC3339), len(rec.Schema.Columns))
		if prev > 0 {
			added, err := versions.GetColumnDiff(ctx, table, prev, rec.Version)
			if err != nil {
				return err
			}
			for _, c := range added {
				fmt.Printf("    + %s %s\n", c.Path, c.Type)
			}
		}
		prev = rec.Version
	}
	return nil
}
