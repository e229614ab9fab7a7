package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maltedev/amazon-product-importer/internal/batch"
	"github.com/maltedev/amazon-product-importer/internal/storage"
)

var (
	batchProgressFile string
	batchMaxAttempts  int
)

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Acquire every identifier listed in a file, one per line",
		Long: `Acquire every identifier listed in a file, one per line. Blank lines and
lines starting with # are ignored.

Progress is kept in a JSON file so an interrupted batch resumes where it
stopped. Denied and rate-limited identifiers are retried after the wait the
admission controller or the catalog asked for.`,
		Args: cobra.ExactArgs(1),
		RunE: runBatch,
	}
	cmd.Flags().StringVar(&batchProgressFile, "progress", "", "progress file (default from config)")
	cmd.Flags().IntVar(&batchMaxAttempts, "max-attempts", batch.DefaultMaxAttempts, "attempts per identifier when denied or rate limited")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	inputs, err := readIdentifiers(args[0])
	if err != nil {
		return err
	}

	progressFile := batchProgressFile
	if progressFile == "" {
		progressFile = cfg.Storage.ProgressFile
	}
	progress, err := storage.NewProgress(progressFile)
	if err != nil {
		return fmt.Errorf("failed to open progress file: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := batch.NewRunner(a.pipeline, progress,
		batch.WithMaxAttempts(batchMaxAttempts),
		batch.WithLogger(log),
	)
	summary, err := runner.Run(ctx, inputs)

	fmt.Fprintf(cmd.OutOrStdout(), "total=%d completed=%d failed=%d requeued=%d\n",
		summary.Total, summary.Completed, summary.Failed, summary.Requeued)
	for kind, n := range summary.ByOutcome {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-17s %d\n", kind, n)
	}
	return err
}

func readIdentifiers(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var inputs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		inputs = append(inputs, line)
	}
	return inputs, scanner.Err()
}
