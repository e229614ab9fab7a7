// Package events consumes the product import stream fed by the outbox relay.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultGroup = "importer-consumers"
	DefaultBlock = 5 * time.Second
	DefaultCount = 10
)

// ErrMalformedMessage marks stream entries that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed stream message")

// StreamClient is the part of the redis client the consumer needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Event is the envelope the relay writes into the "data" field.
type Event struct {
	MessageID     string          `json:"message_id"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// ParseMessage decodes one stream entry.
func ParseMessage(msg redis.XMessage) (Event, error) {
	data, ok := msg.Values["data"].(string)
	if !ok || data == "" {
		return Event{}, fmt.Errorf("%w: %s has no data field", ErrMalformedMessage, msg.ID)
	}

	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, msg.ID, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: %s has no type", ErrMalformedMessage, msg.ID)
	}
	ev.MessageID = msg.ID
	return ev, nil
}

// Handler processes one event. Returning an error leaves it pending.
type Handler func(ctx context.Context, ev Event) error

type Config struct {
	Stream string
	Group  string
	Name   string
	Block  time.Duration
	Count  int64
}

// Consumer reads a stream through a consumer group. Messages are acked after
// the handler succeeds; a handler error leaves the message pending for
// redelivery. Malformed messages are acked and dropped.
type Consumer struct {
	client StreamClient
	cfg    Config
	logger *slog.Logger
}

func NewConsumer(client StreamClient, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Name == "" {
		cfg.Name = "consumer-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "stream_consumer", "stream", cfg.Stream, "group", cfg.Group),
	}
}

// EnsureGroup creates the consumer group, and the stream if needed.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("starting consumer", "name", c.cfg.Name)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.ReadOnce(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// ReadOnce reads one batch and returns how many messages were acked.
func (c *Consumer) ReadOnce(ctx context.Context, handle Handler) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			ev, err := ParseMessage(msg)
			if err != nil {
				c.logger.Warn("dropping message", "id", msg.ID, "error", err)
			} else if err := handle(ctx, ev); err != nil {
				c.logger.Error("failed to process message", "id", msg.ID, "type", ev.Type, "error", err)
				continue
			}

			if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
				continue
			}
			acked++
		}
	}
	return acked, nil
}
