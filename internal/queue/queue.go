// Package queue holds identifiers waiting to be acquired. Tasks come out in
// insertion order; a requeued task stays invisible until its NotBefore time.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// Task is one pending batch input.
type Task struct {
	ID        string
	Input     string
	Attempts  int
	NotBefore time.Time
	CreatedAt time.Time
}

// Queue holds tasks until their NotBefore time has passed.
type Queue interface {
	Push(task *Task) error
	Pop(ctx context.Context) (*Task, error)
	TryPop() (*Task, error)
	Requeue(task *Task, after time.Duration) error
	Size() int
	Close() error
}

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []*Task
	closed bool
	notify chan struct{}
	now    func() time.Time
}

type Option func(*InMemoryQueue)

func WithClock(now func() time.Time) Option {
	return func(q *InMemoryQueue) { q.now = now }
}

// NewInMemoryQueue returns an empty open queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		tasks:  make([]*Task, 0),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *InMemoryQueue) Push(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.now()
	}
	q.tasks = append(q.tasks, task)
	q.signal()
	return nil
}

// Requeue puts task back at the tail, hidden from Pop for the given duration.
func (q *InMemoryQueue) Requeue(task *Task, after time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	task.Attempts++
	task.NotBefore = q.now().Add(after)
	q.tasks = append(q.tasks, task)
	q.signal()
	return nil
}

// Pop blocks until a task is ready, ctx is done, or the queue is closed and
// drained.
func (q *InMemoryQueue) Pop(ctx context.Context) (*Task, error) {
	for {
		task, wait, err := q.take()
		if task != nil || err != nil {
			return task, err
		}

		if err := q.wait(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// wait blocks until a push, ctx cancellation, or d elapses. A zero d waits
// without a deadline.
func (q *InMemoryQueue) wait(ctx context.Context, d time.Duration) error {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.notify:
	case <-timer:
	}
	return nil
}

// TryPop returns the first ready task without blocking.
func (q *InMemoryQueue) TryPop() (*Task, error) {
	task, _, err := q.take()
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrQueueEmpty
	}
	return task, nil
}

// take removes the first ready task. When none is ready it returns how long
// until the earliest delayed task becomes ready, or zero if the queue is empty.
func (q *InMemoryQueue) take() (*Task, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		if q.closed {
			return nil, 0, ErrQueueClosed
		}
		return nil, 0, nil
	}

	now := q.now()
	var wait time.Duration
	for i, task := range q.tasks {
		if !task.NotBefore.After(now) {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return task, 0, nil
		}
		if d := task.NotBefore.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait, nil
}

func (q *InMemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close rejects further pushes. Tasks already queued can still be popped.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.signal()
	return nil
}

// BatchQueue pushes tasks in groups of batchSize.
type BatchQueue struct {
	queue     Queue
	batchSize int
}

func NewBatchQueue(q Queue, batchSize int) *BatchQueue {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchQueue{
		queue:     q,
		batchSize: batchSize,
	}
}

func (b *BatchQueue) PushBatch(tasks []*Task) error {
	for _, task := range tasks {
		if err := b.queue.Push(task); err != nil {
			return err
		}
	}
	return nil
}

// PopBatch waits for one ready task, then takes up to batchSize-1 more that
// are already ready.
func (b *BatchQueue) PopBatch(ctx context.Context) ([]*Task, error) {
	first, err := b.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}

	tasks := []*Task{first}
	for len(tasks) < b.batchSize {
		task, err := b.queue.TryPop()
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) || errors.Is(err, ErrQueueClosed) {
				break
			}
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
