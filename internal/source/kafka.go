// Package source consumes ingestion trigger events from a message broker.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	kafka "github.com/segmentio/kafka-go"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/internal/ingest"
	"github.com/tabulake/tabulake/internal/metrics"
)

// Reader is the subset of *kafka.Reader used by the consumer.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	io.Closer
}

// Processor ingests a batch of trigger events.
type Processor interface {
	ProcessAll(ctx context.Context, events []ingest.Event) ([]*ingest.Outcome, error)
}

// Tracker gates the start of new work during shutdown.
type Tracker interface {
	Track() bool
	Untrack()
}

// KafkaConfig names the topic carrying object notifications.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader creates a consumer group reader with explicit commits.
func NewKafkaReader(cfg KafkaConfig) (Reader, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka source needs brokers, topic and group id")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		// Offsets are committed only after the events are ingested
		CommitInterval: 0,
	})
	return RetryReader{Reader: r}, nil
}

// RetryReader retries fetches that fail with a temporary broker error.
type RetryReader struct {
	*kafka.Reader
}

// FetchMessage fetches the next message, retrying rebalances and
// temporary errors.
func (r RetryReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		msg, err := r.Reader.FetchMessage(ctx)
		if err == nil {
			return msg, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return kafka.Message{}, cerr
		}
		if errors.Is(err, kafka.RebalanceInProgress) {
			continue
		}
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Temporary() {
			continue
		}
		return kafka.Message{}, err
	}
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// RedeliveryDelay is the pause before events that failed with a
	// retryable error are processed again.
	RedeliveryDelay time.Duration
	// Tracker, if set, is consulted before each message.
	Tracker Tracker
	Clock   clockwork.Clock
}

// DefaultConsumerConfig returns the default consumer configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{RedeliveryDelay: 5 * time.Second}
}

// Consumer feeds broker messages to a Processor. Each message carries one
// trigger payload in any format accepted by ingest.ParseEvents.
//
// A message is committed once all of its events are done or have failed
// fatally. Events that failed with a retryable error are processed again
// after RedeliveryDelay, so a partition does not advance past an event that
// may still succeed.
type Consumer struct {
	reader    Reader
	processor Processor
	config    ConsumerConfig
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// errStopped ends a redelivery wait once Stop was called.
var errStopped = errors.New("consumer stopped")

// NewConsumer creates a consumer.
func NewConsumer(reader Reader, processor Processor, config ConsumerConfig, logger *slog.Logger) *Consumer {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:    reader,
		processor: processor,
		config:    config,
		logger:    logger.With("component", "kafka"),
		stopCh:    make(chan struct{}),
	}
}

// Stop makes Run return once the current message is handled. Events
// awaiting redelivery are left uncommitted.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Run consumes messages until ctx is cancelled, the reader is exhausted,
// Stop is called, or the tracker refuses new work. It returns nil on a
// clean stop.
func (c *Consumer) Run(ctx context.Context) error {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-fetchCtx.Done():
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(fetchCtx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), fetchCtx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("fetch message: %w", err)
		}

		if c.config.Tracker != nil {
			if !c.config.Tracker.Track() {
				// Uncommitted, so the group redelivers it after restart
				return nil
			}
		}
		err = c.handle(ctx, msg)
		if c.config.Tracker != nil {
			c.config.Tracker.Untrack()
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}
}

// handle processes one message and commits it when nothing is left to retry.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)

	events, err := ingest.ParseEvents(msg.Value)
	if err != nil {
		// A payload that cannot be parsed never will be
		log.Error("dropping malformed message", "error", err)
		metrics.EventsTotal.WithLabelValues(metrics.OutcomeSkipped, string(apperrors.GetCategory(err))).Inc()
		return c.commit(ctx, msg)
	}

	for len(events) > 0 {
		outcomes, err := c.processor.ProcessAll(ctx, events)
		if err != nil {
			return err
		}

		var pending []ingest.Event
		for _, out := range outcomes {
			if out == nil || out.Succeeded() {
				continue
			}
			if apperrors.IsRetryable(out.Err) || errors.Is(out.Err, context.Canceled) ||
				errors.Is(out.Err, context.DeadlineExceeded) {
				pending = append(pending, out.Event)
				continue
			}
			log.Error("event failed",
				"event_id", out.Event.ID,
				"object", out.Event.Key,
				"state", out.Reached.String(),
				"error", out.Err,
			)
		}
		events = pending
		if len(events) == 0 {
			break
		}

		log.Warn("redelivering events", "events", len(events), "delay", c.config.RedeliveryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return errStopped
		case <-c.config.Clock.After(c.config.RedeliveryDelay):
		}
	}
	return c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
