package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPop_FIFO(t *testing.T) {
	q := NewInMemoryQueue()
	for _, input := range []string{"B08N5WRWNW", "012345678905", "X001ABCDEF"} {
		require.NoError(t, q.Push(&Task{ID: input, Input: input}))
	}
	assert.Equal(t, 3, q.Size())

	ctx := context.Background()
	for _, expected := range []string{"B08N5WRWNW", "012345678905", "X001ABCDEF"} {
		task, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, expected, task.Input)
		assert.False(t, task.CreatedAt.IsZero())
	}
	assert.Equal(t, 0, q.Size())
}

func TestTryPop_Empty(t *testing.T) {
	q := NewInMemoryQueue()
	_, err := q.TryPop()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRequeue_HiddenUntilNotBefore(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q := NewInMemoryQueue(WithClock(func() time.Time { return now }))

	task := &Task{ID: "1", Input: "B08N5WRWNW"}
	require.NoError(t, q.Requeue(task, time.Minute))
	require.NoError(t, q.Push(&Task{ID: "2", Input: "B07XJ8C8F5"}))

	got, err := q.TryPop()
	require.NoError(t, err)
	assert.Equal(t, "B07XJ8C8F5", got.Input, "ready task overtakes delayed one")

	_, err = q.TryPop()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, 1, q.Size())

	now = now.Add(time.Minute)
	got, err = q.TryPop()
	require.NoError(t, err)
	assert.Equal(t, "B08N5WRWNW", got.Input)
	assert.Equal(t, 1, got.Attempts)
}

func TestPop_WaitsForDelayedTask(t *testing.T) {
	q := NewInMemoryQueue()
	require.NoError(t, q.Requeue(&Task{Input: "B08N5WRWNW"}, 30*time.Millisecond))

	start := time.Now()
	task, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B08N5WRWNW", task.Input)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPop_WakesOnPush(t *testing.T) {
	q := NewInMemoryQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(&Task{Input: "B08N5WRWNW"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	task, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B08N5WRWNW", task.Input)
}

func TestPop_ContextCancelled(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	q := NewInMemoryQueue()
	require.NoError(t, q.Push(&Task{Input: "B08N5WRWNW"}))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(&Task{Input: "B07XJ8C8F5"}), ErrQueueClosed)
	assert.ErrorIs(t, q.Requeue(&Task{Input: "B07XJ8C8F5"}, time.Second), ErrQueueClosed)

	task, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B08N5WRWNW", task.Input)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestBatchQueue(t *testing.T) {
	q := NewInMemoryQueue()
	b := NewBatchQueue(q, 2)

	require.NoError(t, b.PushBatch([]*Task{
		{Input: "a"}, {Input: "b"}, {Input: "c"},
	}))

	ctx := context.Background()
	batch, err := b.PopBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].Input)
	assert.Equal(t, "b", batch[1].Input)

	batch, err = b.PopBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "c", batch[0].Input)

	require.NoError(t, q.Close())
	_, err = b.PopBatch(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
