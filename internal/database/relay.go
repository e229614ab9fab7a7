package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/amazon-product-importer/internal/metrics"
)

const (
	RelaySource = "amazon-product-importer"

	DefaultRelayPollInterval = 5 * time.Second
	DefaultRelayBatchSize    = 100
)

// StreamWriter is the part of the redis client the relay publishes with.
type StreamWriter interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxSource is the part of OutboxRepository the relay drives.
type OutboxSource interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// StreamEnvelope is the JSON document stored in the "data" field of every
// stream entry.
type StreamEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Attempt       int             `json:"attempt"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
}

// Relay moves committed outbox events into Redis streams. Delivery is at
// least once: an event whose processed mark fails is published again.
type Relay struct {
	redis     StreamWriter
	outbox    OutboxSource
	metrics   *metrics.Metrics
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	maxLen    int64
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

func WithRelayPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithRelayBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithStreamMaxLen trims streams to roughly n entries on every write. Zero
// leaves streams untrimmed.
func WithStreamMaxLen(n int64) RelayOption {
	return func(r *Relay) { r.maxLen = n }
}

func WithRelayMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = logger.With("component", "relay") }
}

// NewRelay creates a relay polling outbox and publishing through redis.
func NewRelay(outbox OutboxSource, redis StreamWriter, opts ...RelayOption) *Relay {
	r := &Relay{
		redis:     redis,
		outbox:    outbox,
		logger:    slog.Default().With("component", "relay"),
		interval:  DefaultRelayPollInterval,
		batchSize: DefaultRelayBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the outbox on start and then on every poll until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started",
		"interval", r.interval,
		"batch_size", r.batchSize,
		"stream_max_len", r.maxLen)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.drain(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain relays batches back to back while they come back full, then
// refreshes the backlog gauge.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		published, err := r.relayBatch(ctx)
		if err != nil {
			r.logger.Error("relay batch failed", "error", err)
			break
		}
		if published < r.batchSize {
			break
		}
	}
	r.refreshBacklog(ctx)
}

// relayBatch publishes one batch of due events and returns how many were
// published and marked processed.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	events, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load due events: %w", err)
	}

	published := 0
	for _, event := range events {
		if r.deliver(ctx, event) {
			published++
		}
	}
	if len(events) > 0 {
		r.logger.Debug("batch relayed", "due", len(events), "published", published)
	}
	return published, nil
}

func (r *Relay) deliver(ctx context.Context, event *OutboxEvent) bool {
	log := r.logger.With(
		"event_id", event.ID,
		"event_type", event.EventType,
		"aggregate_id", event.AggregateID)

	if err := r.publish(ctx, event); err != nil {
		result := OutboxStatusFailed
		if event.RetryCount+1 >= MaxRetryCount {
			result = OutboxStatusDeadLetter
		}
		r.metrics.IncOutbox(result)
		log.Warn("publish failed", "error", err, "attempt", event.RetryCount+1, "result", result)

		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			log.Error("failed to record publish failure", "error", markErr)
		}
		return false
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		log.Error("published event could not be marked processed", "error", err)
		return false
	}

	r.metrics.IncOutbox("published")
	log.Info("event published", "stream", streamOf(event))
	return true
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidEvent)
	}

	data, err := json.Marshal(StreamEnvelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC(),
		Attempt:       event.RetryCount + 1,
		Source:        RelaySource,
		Payload:       event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamOf(event),
		Values: map[string]any{
			"data":         string(data),
			"type":         event.EventType,
			"aggregate_id": event.AggregateID,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (r *Relay) refreshBacklog(ctx context.Context) {
	if r.metrics == nil || ctx.Err() != nil {
		return
	}
	counts, err := r.outbox.CountByStatus(ctx)
	if err != nil {
		r.logger.Warn("failed to count outbox backlog", "error", err)
		return
	}
	for _, status := range []string{OutboxStatusPending, OutboxStatusFailed, OutboxStatusDeadLetter} {
		r.metrics.SetOutboxBacklog(status, counts[status])
	}
}

func streamOf(event *OutboxEvent) string {
	if event.TargetStream == "" {
		return DefaultTargetStream
	}
	return event.TargetStream
}
