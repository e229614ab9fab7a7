package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/maltedev/amazon-product-importer/internal/database"
	"github.com/maltedev/amazon-product-importer/internal/events"
)

var (
	eventsStream string
	eventsGroup  string
	eventsName   string
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the product import stream and print each event as a JSON line",
		Args:  cobra.NoArgs,
		RunE:  runEvents,
	}
	cmd.Flags().StringVar(&eventsStream, "stream", database.DefaultTargetStream, "Redis stream to read")
	cmd.Flags().StringVar(&eventsGroup, "group", events.DefaultGroup, "consumer group")
	cmd.Flags().StringVar(&eventsName, "name", "consumer-1", "consumer name within the group")
	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to Redis", "error", err)
		return err
	}

	consumer := events.NewConsumer(rdb, events.Config{
		Stream: eventsStream,
		Group:  eventsGroup,
		Name:   eventsName,
	}, log)

	enc := json.NewEncoder(cmd.OutOrStdout())
	err = consumer.Run(ctx, func(ctx context.Context, ev events.Event) error {
		return enc.Encode(ev)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
