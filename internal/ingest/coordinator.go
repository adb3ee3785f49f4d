// Package ingest drives one raw object at a time through fetch, flatten,
// reconcile, write and catalog registration.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/internal/flatten"
	"github.com/tabulake/tabulake/internal/manifest"
	"github.com/tabulake/tabulake/internal/metrics"
	"github.com/tabulake/tabulake/internal/partition"
	"github.com/tabulake/tabulake/internal/retry"
	"github.com/tabulake/tabulake/internal/schema"
	"github.com/tabulake/tabulake/internal/storage"
	"github.com/tabulake/tabulake/pkg/types"
)

// cleanupTimeout bounds orphan removal after a failed or cancelled write.
const cleanupTimeout = 30 * time.Second

// Config holds coordinator configuration.
type Config struct {
	// Table is the catalog entry events are ingested into.
	Table types.TableIdentity
	// Root is the cleansed root prefix; tables live at <Root>/<table>.
	Root string
	// Mode is the write mode applied to every event.
	Mode types.WriteMode
	// SourceBucket, when set, rejects events naming another bucket.
	SourceBucket string
	// Retry bounds attempts for transient failures.
	Retry retry.Config
	// Workers bounds concurrent events in ProcessAll.
	Workers int
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Mode:    types.WriteModeAppend,
		Retry:   retry.DefaultConfig(),
		Workers: 4,
	}
}

// Coordinator runs the ingestion state machine for each event. It is safe
// for concurrent use; events for distinct partitions proceed in parallel
// and events for the same partition serialize from write to publish.
type Coordinator struct {
	source    storage.ObjectStorage
	flattener *flatten.Flattener
	router    *partition.Router
	writer    *partition.Writer
	catalog   manifest.Catalog
	config    Config
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewCoordinator wires the pipeline stages together.
func NewCoordinator(
	source storage.ObjectStorage,
	flattener *flatten.Flattener,
	router *partition.Router,
	writer *partition.Writer,
	catalog manifest.Catalog,
	config Config,
	logger *slog.Logger,
) (*Coordinator, error) {
	if err := config.Table.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if config.Mode == "" {
		config.Mode = types.WriteModeAppend
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Retry.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		source:    source,
		flattener: flattener,
		router:    router,
		writer:    writer,
		catalog:   catalog,
		config:    config,
		clock:     clock,
		logger:    logger.With("component", "coordinator"),
	}, nil
}

// run is the per-event state carried across attempts.
type run struct {
	ev        Event
	table     types.TableIdentity
	key       string
	log       *slog.Logger
	out       *Outcome
	unlock    func()
	rows      []*types.FlatRow
	schema    types.TableSchema
	written   *types.WriteResult
	published bool
}

func (r *run) enter(s State) {
	r.out.State = s
	r.log.Debug("event state", "state", s.String())
}

// Process ingests the raw object named by ev. Transient failures are
// retried with backoff; once a write succeeded, later attempts only retry
// registration. The returned outcome is always non-nil; the error is the
// terminal failure, if any.
func (c *Coordinator) Process(ctx context.Context, ev Event) (*Outcome, error) {
	start := c.clock.Now()
	table := c.config.Table
	if ev.Table != (types.TableIdentity{}) {
		table = ev.Table
	}

	r := &run{
		ev:    ev,
		table: table,
		out:   &Outcome{Event: ev, Table: table, State: StateReceived},
		log: c.logger.With(
			"event_id", ev.ID,
			"table", table.String(),
			"object", ObjectPath(ev),
		),
	}
	defer func() {
		if r.unlock != nil {
			r.unlock()
		}
	}()
	r.enter(StateReceived)

	err := c.received(r)
	if err == nil {
		err = retry.Do(ctx, c.retryConfig(r), func(attempt int) error {
			r.out.Attempts = attempt
			return c.attempt(ctx, r)
		})
	}
	r.out.Duration = c.clock.Since(start)

	if err != nil {
		c.fail(ctx, r, err)
		return r.out, r.out.Err
	}

	r.enter(StateDone)
	metrics.EventsTotal.WithLabelValues(metrics.OutcomeDone, "").Inc()
	metrics.EventAttempts.Observe(float64(r.out.Attempts))
	r.log.Info("event ingested",
		"partition", r.key,
		"rows", r.out.Rows,
		"files", len(r.written.FilesWritten),
		"created", len(r.written.Created),
		"schema_version", r.out.Schema.Version,
		"attempts", r.out.Attempts,
		"duration", r.out.Duration,
	)
	return r.out, nil
}

func (c *Coordinator) retryConfig(r *run) retry.Config {
	cfg := c.config.Retry
	cfg.Clock = c.clock
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		r.log.Warn("retrying event",
			"state", r.out.State.String(),
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
	}
	return cfg
}

// received validates the event and derives its partition.
func (c *Coordinator) received(r *run) error {
	if err := r.ev.Validate(); err != nil {
		return err
	}
	if c.config.SourceBucket != "" && r.ev.Bucket != "" && r.ev.Bucket != c.config.SourceBucket {
		return apperrors.NewMalformedInputError(
			fmt.Sprintf("event for bucket %q, expected %q", r.ev.Bucket, c.config.SourceBucket), nil)
	}
	key, err := c.router.Route(r.ev.Key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCategoryInput, apperrors.CodeInvalidPartitionKey, "cannot derive partition", err)
	}
	r.key = key
	r.out.Partition = key
	r.log = r.log.With("partition", key)
	return nil
}

// attempt runs the remaining stages. A write that already succeeded in an
// earlier attempt is not repeated.
func (c *Coordinator) attempt(ctx context.Context, r *run) error {
	if r.written == nil {
		if err := c.fetchAndFlatten(ctx, r); err != nil {
			return err
		}

		// Same-partition events serialize from write until the file set is
		// published and superseded files are retired.
		if r.unlock == nil {
			r.unlock = c.writer.LockPartition(r.table.Table, r.key)
		}

		if err := c.reconcile(ctx, r); err != nil {
			return err
		}
		if err := c.write(ctx, r); err != nil {
			return err
		}
	} else {
		r.log.Debug("resuming with registration only", "files", len(r.written.FilesWritten))
	}

	if !r.published {
		if err := c.register(ctx, r); err != nil {
			return err
		}
	}
	c.finalize(ctx, r)
	return nil
}

func (c *Coordinator) fetchAndFlatten(ctx context.Context, r *run) error {
	if r.rows != nil {
		return nil
	}

	done := c.stage("fetch")
	docs, err := FetchRecords(ctx, c.source, r.ev.Key)
	done()
	if err != nil {
		return err
	}
	r.enter(StateFetched)

	done = c.stage("flatten")
	rows, err := c.flattener.FlattenAll(docs)
	done()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return apperrors.NewMalformedInputError("raw object holds no items", nil)
	}
	r.rows = rows
	r.out.Rows = int64(len(rows))
	r.enter(StateFlattened)
	return nil
}

// reconcile merges the batch columns into the table's current schema.
func (c *Coordinator) reconcile(ctx context.Context, r *run) error {
	defer c.stage("reconcile")()

	var existing *types.TableSchema
	entry, err := c.catalog.Lookup(ctx, r.table)
	switch {
	case errors.Is(err, manifest.ErrTableNotFound):
	case err != nil:
		return err
	default:
		existing = &entry.Schema
	}

	merged, err := schema.Reconcile(existing, flatten.Observe(r.rows))
	if err != nil {
		return err
	}
	if len(merged.Columns) == 0 {
		return apperrors.NewMalformedInputError("items carry no fields", nil)
	}
	r.schema = merged
	r.out.Schema = merged
	r.enter(StateReconciled)
	return nil
}

func (c *Coordinator) write(ctx context.Context, r *run) error {
	done := c.stage("write")
	result, err := c.writer.Write(ctx, r.table.Table, r.rows, r.schema, r.key, c.config.Mode)
	done()
	if err != nil {
		// Partial files are never published; remove them before reporting.
		c.abort(ctx, r, result)
		return err
	}

	r.written = result
	r.out.Write = result
	r.out.RegistrationOnly = result.Reused()
	metrics.RowsWritten.WithLabelValues(r.table.String()).Add(float64(result.RowCount))
	metrics.FilesWritten.WithLabelValues(r.table.String(), metrics.ActionCreated).Add(float64(len(result.Created)))
	metrics.FilesWritten.WithLabelValues(r.table.String(), metrics.ActionReused).Add(float64(len(result.FilesWritten) - len(result.Created)))
	r.enter(StateWritten)
	return nil
}

func (c *Coordinator) register(ctx context.Context, r *run) error {
	defer c.stage("register")()

	res, err := c.catalog.Register(ctx, manifest.Registration{
		Table:     r.table,
		Location:  partition.TablePrefix(c.config.Root, r.table.Table),
		Schema:    r.schema,
		Partition: r.written.Partition,
		Mode:      c.config.Mode,
	})
	if err != nil {
		if !retry.IsRetryable(err) && !errors.Is(err, context.Canceled) {
			// The files can never be published with this schema.
			c.abort(ctx, r, r.written)
			r.written = nil
		}
		return err
	}

	r.published = true
	r.out.Schema = res.Entry.Schema
	r.out.SchemaChanged = res.SchemaChanged
	metrics.CatalogCASAttempts.Observe(float64(res.Attempts))
	if res.SchemaChanged {
		metrics.SchemaChanges.WithLabelValues(r.table.String()).Inc()
	}
	r.enter(StateRegistered)
	return nil
}

// finalize retires files an overwrite superseded. The new file set is
// already published, so a failure here only leaves unreferenced objects.
func (c *Coordinator) finalize(ctx context.Context, r *run) {
	if len(r.written.Superseded) == 0 {
		return
	}
	if err := c.writer.Finalize(ctx, r.written); err != nil {
		r.log.Warn("superseded files left behind", "files", len(r.written.Superseded), "error", err)
		return
	}
	metrics.FilesWritten.WithLabelValues(r.table.String(), metrics.ActionSuperseded).Add(float64(len(r.written.Superseded)))
}

func (c *Coordinator) abort(ctx context.Context, r *run, result *types.WriteResult) {
	if result == nil || len(result.Created) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.writer.Abort(cleanupCtx, result); err != nil {
		r.log.Error("failed to remove files of failed write", "files", len(result.Created), "error", err)
		return
	}
	r.out.Aborted = append(r.out.Aborted, result.Created...)
	metrics.FilesWritten.WithLabelValues(r.table.String(), metrics.ActionAborted).Add(float64(len(result.Created)))
}

func (c *Coordinator) fail(ctx context.Context, r *run, err error) {
	reached := r.out.State
	r.out.Reached = reached
	r.out.State = StateFailed

	details := map[string]interface{}{
		"table":    r.table.String(),
		"event_id": r.ev.ID,
		"object":   r.ev.Key,
		"state":    reached.String(),
	}
	if r.key != "" {
		details["partition"] = r.key
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && !errors.Is(err, context.Canceled) {
		err = wrapDetails(err, appErr, details)
	}
	r.out.Err = err

	category := string(apperrors.GetCategory(err))
	if errors.Is(err, context.Canceled) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil) {
		category = "CANCELLED"
	}
	metrics.EventsTotal.WithLabelValues(metrics.OutcomeFailed, category).Inc()

	r.log.Error("event failed",
		"state", reached.String(),
		"attempts", r.out.Attempts,
		"durable_write", r.written != nil && !r.published,
		"error", err,
	)
}

// wrapDetails adds details to the first *Error in err, keeping any
// retry-exhaustion wrapper around it.
func wrapDetails(err error, appErr *apperrors.Error, details map[string]interface{}) error {
	enriched := appErr.WithDetails(details)
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return &retry.ExhaustedError{Attempts: exhausted.Attempts, Err: enriched}
	}
	return enriched
}

// stage starts a duration measurement for a pipeline stage.
func (c *Coordinator) stage(name string) func() {
	start := c.clock.Now()
	return func() {
		metrics.StageDuration.WithLabelValues(name).Observe(c.clock.Since(start).Seconds())
	}
}

// ProcessAll ingests events with at most Workers in flight and returns one
// outcome per event, in input order. Event failures are reported in the
// outcomes; the error is only set when ctx ends first.
func (c *Coordinator) ProcessAll(ctx context.Context, events []Event) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Workers)

	for i, ev := range events {
		g.Go(func() error {
			outcomes[i], _ = c.Process(gctx, ev)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, ctx.Err()
}

// ObjectPath returns the raw object location of ev for logs.
func ObjectPath(ev Event) string {
	if ev.Bucket == "" {
		return ev.Key
	}
	return path.Join(ev.Bucket, ev.Key)
}
