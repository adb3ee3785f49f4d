// Package main implements the tabulake-ingest service binary.
// It ingests raw JSON objects named by trigger events into partitioned
// parquet tables and registers them in the catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/tabulake/tabulake/internal/api/http"
	"github.com/tabulake/tabulake/internal/config"
	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/internal/flatten"
	"github.com/tabulake/tabulake/internal/ingest"
	"github.com/tabulake/tabulake/internal/logger"
	"github.com/tabulake/tabulake/internal/manifest"
	"github.com/tabulake/tabulake/internal/metrics"
	"github.com/tabulake/tabulake/internal/partition"
	"github.com/tabulake/tabulake/internal/retry"
	"github.com/tabulake/tabulake/internal/server"
	"github.com/tabulake/tabulake/internal/source"
	"github.com/tabulake/tabulake/internal/storage"
	"github.com/tabulake/tabulake/pkg/types"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
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
	dataDirFlag := flag.String("data-dir", "", "base directory for local state (or set TABULAKE_DATA_DIR)")
	tableFlag := flag.String("table", "", "target table as database.table")
	modeFlag := flag.String("mode", "", "write mode: append or overwrite")
	workersFlag := flag.Int("workers", 0, "events processed concurrently")
	httpAddrFlag := flag.String("http-addr", "", "trigger webhook address")
	kafkaBrokersFlag := flag.StringSlice("kafka-brokers", nil, "Kafka seed brokers")
	kafkaTopicFlag := flag.String("kafka-topic", "", "Kafka topic carrying object notifications")
	objectFlag := flag.String("object", "", "ingest this raw object key once and exit")
	bucketFlag := flag.String("bucket", "", "source bucket of --object")
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
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *tableFlag != "" {
		table, err := types.ParseTableIdentity(*tableFlag)
		if err != nil {
			return fmt.Errorf("--table: %w", err)
		}
		cfg.Catalog.Database, cfg.Catalog.Table = table.Database, table.Table
	}
	if *modeFlag != "" {
		cfg.Write.Mode = *modeFlag
	}
	if *workersFlag > 0 {
		cfg.Workers = *workersFlag
	}
	if flag.CommandLine.Changed("http-addr") {
		cfg.HTTP.Addr = *httpAddrFlag
	}
	if len(*kafkaBrokersFlag) > 0 {
		cfg.Kafka.Brokers = *kafkaBrokersFlag
	}
	if *kafkaTopicFlag != "" {
		cfg.Kafka.Topic = *kafkaTopicFlag
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log := logger.New(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()

	lake, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	raw, err := openStorage(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to open source storage: %w", err)
	}

	catalog, err := manifest.NewCatalogWithOptions(cfg.Catalog.Path, manifest.Options{
		MaxCASAttempts: cfg.Catalog.MaxCASAttempts,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}

	coordinator, err := newCoordinator(cfg, raw, lake, catalog, log)
	if err != nil {
		catalog.Close()
		return err
	}
	processor := reportingProcessor{next: coordinator, enabled: cfg.Sentry.DSN != ""}

	log.Info("starting tabulake-ingest",
		"version", version,
		"table", cfg.Catalog.Identity().String(),
		"mode", cfg.Write.Mode,
		"storage", cfg.Storage.Type,
		"catalog", cfg.Catalog.Path,
	)

	if *objectFlag != "" {
		defer catalog.Close()
		return ingestOnce(ctx, processor, ingest.NewEvent(*bucketFlag, *objectFlag), log)
	}
	return serve(cfg, processor, catalog, log)
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStorage, error) {
	var store storage.ObjectStorage
	switch cfg.Type {
	case "s3":
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
		store = s3
	default:
		local, err := storage.NewLocalStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		store = local
	}
	if cfg.Timeout > 0 {
		store = storage.WithTimeout(store, cfg.Timeout)
	}
	return store, nil
}

func newCoordinator(cfg *config.Config, raw, lake storage.ObjectStorage, catalog manifest.Catalog, log *slog.Logger) (*ingest.Coordinator, error) {
	codec, err := partition.ParseCompression(cfg.Write.Compression)
	if err != nil {
		return nil, err
	}
	writer := partition.NewWriter(lake, partition.WriterConfig{
		Root:              cfg.Output.Root,
		MaxRowsPerFile:    cfg.Write.MaxRowsPerFile,
		Compression:       codec,
		StagingDir:        cfg.Write.StagingDir,
		DeleteConcurrency: cfg.Write.DeleteConcurrency,
	}, log)

	router, err := partition.NewRouter(partition.RouterConfig{
		Pattern:    cfg.Partition.KeyPattern,
		DefaultKey: cfg.Partition.DefaultKey,
	})
	if err != nil {
		return nil, err
	}

	flattener := flatten.New(flatten.Options{
		ItemsKey:  cfg.Flatten.ItemsKey,
		Separator: cfg.Flatten.Separator,
	})

	mode, err := types.ParseWriteMode(cfg.Write.Mode)
	if err != nil {
		return nil, err
	}

	icfg := ingest.Config{
		Table: cfg.Catalog.Identity(),
		Root:  cfg.Output.Root,
		Mode:  mode,
		Retry: retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Workers: cfg.Workers,
	}
	if cfg.Source.Type == "s3" {
		icfg.SourceBucket = cfg.Source.S3.Bucket
	}
	return ingest.NewCoordinator(raw, flattener, router, writer, catalog, icfg, log)
}

// ingestOnce processes a single event, stopping early on SIGINT or SIGTERM.
func ingestOnce(ctx context.Context, processor httpapi.EventProcessor, ev ingest.Event, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes, err := processor.ProcessAll(ctx, []ingest.Event{ev})
	if err != nil {
		return err
	}
	out := outcomes[0]
	if !out.Succeeded() {
		return out.Err
	}
	fmt.Printf("ingested %s into %s partition %s: %d rows, %d files, schema version %d\n",
		ingest.ObjectPath(ev), out.Table, out.Partition, out.Rows, len(out.Write.FilesWritten), out.Schema.Version)
	log.Debug("one-shot ingestion finished", "registration_only", out.RegistrationOnly)
	return nil
}

// serve runs the configured trigger sources until a signal arrives or a
// source fails, then drains in-flight events.
func serve(cfg *config.Config, processor httpapi.EventProcessor, catalog manifest.Catalog, log *slog.Logger) error {
	if cfg.HTTP.Addr == "" && !cfg.Kafka.Enabled() {
		catalog.Close()
		return fmt.Errorf("nothing to serve: set http.addr or kafka.brokers, or pass --object")
	}

	sm := server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: cfg.HTTP.EventTimeout + 30*time.Second,
		DrainTimeout:    cfg.HTTP.EventTimeout + 10*time.Second,
	}, log)

	// Closers run in reverse: the catalog closes last
	sm.RegisterCloser(catalog)
	workCtx, cancelWork := context.WithCancel(context.Background())
	sm.RegisterCloser(server.CloserFunc(func() error {
		cancelWork()
		return nil
	}))

	g, gctx := errgroup.WithContext(context.Background())

	if cfg.Kafka.Enabled() {
		reader, err := source.NewKafkaReader(source.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			cancelWork()
			catalog.Close()
			return err
		}
		consumer := source.NewConsumer(reader, processor, source.ConsumerConfig{
			RedeliveryDelay: cfg.Retry.MaxBackoff,
			Tracker:         sm,
		}, log)
		sm.OnShutdownStart(consumer.Stop)
		sm.RegisterCloser(consumer)

		g.Go(func() error {
			log.Info("consuming Kafka notifications", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
			return consumer.Run(workCtx)
		})
	}

	if cfg.HTTP.Addr != "" {
		httpServer := &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: httpapi.NewRouter(processor, httpapi.RouterConfig{
				EventTimeout: cfg.HTTP.EventTimeout,
				Shutdown:     sm,
			}, log),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		}
		gs := server.NewGracefulHTTPServer(httpServer, sm)

		g.Go(func() error {
			log.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
			return gs.ListenAndServe()
		})
	}

	g.Go(func() error {
		return sm.ListenForSignals(gctx)
	})

	err := g.Wait()
	log.Info("tabulake-ingest stopped")
	return err
}

// reportingProcessor reports fatal event failures to Sentry.
type reportingProcessor struct {
	next    httpapi.EventProcessor
	enabled bool
}

func (p reportingProcessor) ProcessAll(ctx context.Context, events []ingest.Event) ([]*ingest.Outcome, error) {
	outcomes, err := p.next.ProcessAll(ctx, events)
	if !p.enabled {
		return outcomes, err
	}
	for _, out := range outcomes {
		if out == nil || out.Err == nil || apperrors.IsRetryable(out.Err) || errors.Is(out.Err, context.Canceled) {
			continue
		}
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("table", out.Table.String())
			scope.SetTag("code", apperrors.GetCode(out.Err))
			scope.SetTag("state", out.Reached.String())
			scope.SetContext("event", sentry.Context{
				"id":        out.Event.ID,
				"object":    ingest.ObjectPath(out.Event),
				"partition": out.Partition,
			})
			sentry.CaptureException(out.Err)
		})
	}
	return outcomes, err
}
