package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maltedev/amazon-product-importer/internal/acquisition"
)

var acquireJSON bool

func acquireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire [identifier...]",
		Short: "Acquire one or more products and print each outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAcquire,
	}
	cmd.Flags().BoolVar(&acquireJSON, "json", false, "print outcomes as JSON lines")
	return cmd
}

func runAcquire(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	failures := 0

	for _, input := range args {
		outcome := a.pipeline.Acquire(ctx, input)
		switch outcome.(type) {
		case acquisition.Success, acquisition.AlreadyExists:
		default:
			failures++
		}

		if acquireJSON {
			if err := enc.Encode(map[string]any{
				"input":   input,
				"outcome": outcome.Kind(),
				"message": outcome.Message(),
				"detail":  outcome,
			}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "%-16s %-17s %s\n", input, outcome.Kind(), outcome.Message())
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d identifiers were not imported", failures, len(args))
	}
	return nil
}
