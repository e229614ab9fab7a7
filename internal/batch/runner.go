// Package batch drives the pipeline over a list of identifiers, one at a
// time, persisting progress so an interrupted run can resume.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/maltedev/amazon-product-importer/internal/acquisition"
	"github.com/maltedev/amazon-product-importer/internal/camouflage"
	"github.com/maltedev/amazon-product-importer/internal/queue"
	"github.com/maltedev/amazon-product-importer/internal/ratelimit"
	"github.com/maltedev/amazon-product-importer/internal/storage"
)

const (
	DefaultMaxAttempts = 3
	DefaultBatchSize   = 10
)

// Acquirer runs one acquisition; *acquisition.Pipeline satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, input string) acquisition.Outcome
}

// Summary counts final outcomes of one run. Requeued counts retries and
// Paced counts waits for request spacing, not inputs.
type Summary struct {
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Requeued  int            `json:"requeued"`
	Paced     int            `json:"paced"`
	ByOutcome map[string]int `json:"by_outcome"`
}

// Runner processes a batch sequentially on top of a resumable progress file.
type Runner struct {
	acquirer    Acquirer
	progress    *storage.Progress
	maxAttempts int
	batchSize   int
	sleep       camouflage.SleepFunc
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxAttempts bounds how often a denied or rate-limited input is tried.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithSleeper replaces the cooperative sleep used while waiting out request
// spacing.
func WithSleeper(sleep camouflage.SleepFunc) Option {
	return func(r *Runner) { r.sleep = sleep }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger.With("component", "batch") }
}

// NewRunner creates a Runner that records every outcome in progress.
func NewRunner(acquirer Acquirer, progress *storage.Progress, opts ...Option) *Runner {
	r := &Runner{
		acquirer:    acquirer,
		progress:    progress,
		maxAttempts: DefaultMaxAttempts,
		batchSize:   DefaultBatchSize,
		sleep:       camouflage.SleepContext,
		logger:      slog.Default().With("component", "batch"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run registers inputs and processes every pending entry. A TooSoon denial
// is waited out and retried in place without spending an attempt. Other
// denied and rate-limited inputs go back on the queue after the wait their
// outcome carries. Cancelling ctx stops the run and leaves unfinished inputs
// pending.
func (r *Runner) Run(ctx context.Context, inputs []string) (Summary, error) {
	summary := Summary{ByOutcome: make(map[string]int)}

	if err := r.progress.AddBatch(inputs); err != nil {
		return summary, fmt.Errorf("failed to record batch: %w", err)
	}

	pending := r.progress.Pending()
	summary.Total = len(pending)
	if len(pending) == 0 {
		r.logger.Info("nothing to do")
		return summary, nil
	}

	q := queue.NewInMemoryQueue()
	bq := queue.NewBatchQueue(q, r.batchSize)
	tasks := make([]*queue.Task, len(pending))
	for i, input := range pending {
		tasks[i] = &queue.Task{ID: strconv.Itoa(i), Input: input}
	}
	if err := bq.PushBatch(tasks); err != nil {
		return summary, err
	}

	r.logger.Info("batch started", "pending", len(pending))

	for q.Size() > 0 {
		popped, err := bq.PopBatch(ctx)
		if err != nil {
			return summary, err
		}

		for _, task := range popped {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			if err := r.process(ctx, q, task, &summary); err != nil {
				return summary, err
			}
		}
	}

	r.logger.Info("batch finished",
		"total", summary.Total,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"requeued", summary.Requeued,
		"paced", summary.Paced)

	return summary, nil
}

func (r *Runner) process(ctx context.Context, q queue.Queue, task *queue.Task, summary *Summary) error {
	outcome, err := r.acquirePaced(ctx, task, summary)
	if err != nil {
		return err
	}

	// A run interrupted mid-acquisition leaves the input pending.
	if _, failed := outcome.(acquisition.Failed); failed && ctx.Err() != nil {
		return ctx.Err()
	}

	kind, message := outcome.Kind(), outcome.Message()
	log := r.logger.With("input", task.Input, "outcome", kind, "attempt", task.Attempts+1)

	if wait, retry := acquisition.RetryAfter(outcome); retry && task.Attempts+1 < r.maxAttempts {
		if err := r.progress.Update(task.Input, storage.StatusPending, kind, message); err != nil {
			return err
		}
		if err := q.Requeue(task, wait); err != nil {
			return err
		}
		summary.Requeued++
		log.Warn("requeued", "wait", wait)
		return nil
	}

	status := storage.StatusFailed
	switch outcome.(type) {
	case acquisition.Success, acquisition.AlreadyExists:
		status = storage.StatusCompleted
		summary.Completed++
	default:
		summary.Failed++
	}
	summary.ByOutcome[kind]++

	if err := r.progress.Update(task.Input, status, kind, message); err != nil {
		return err
	}
	log.Info("processed", "message", message)
	return nil
}

// acquirePaced runs one acquisition, sleeping through TooSoon denials. The
// spacing rule paces consecutive requests and says nothing about the input.
func (r *Runner) acquirePaced(ctx context.Context, task *queue.Task, summary *Summary) (acquisition.Outcome, error) {
	for {
		outcome := r.acquirer.Acquire(ctx, task.Input)

		denied, ok := outcome.(acquisition.AdmissionDenied)
		if !ok || denied.Reason != ratelimit.ReasonTooSoon {
			return outcome, nil
		}

		summary.Paced++
		r.logger.Debug("waiting for request spacing", "input", task.Input, "wait", denied.Wait)
		if err := r.sleep(ctx, denied.Wait); err != nil {
			return nil, err
		}
	}
}
