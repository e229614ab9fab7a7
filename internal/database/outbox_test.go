package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxEvent_Validate(t *testing.T) {
	valid := OutboxEvent{
		AggregateType: AggregateProduct,
		AggregateID:   "B08N5WRWNW",
		EventType:     EventProductAcquired,
		Payload:       json.RawMessage(`{"code":"B08N5WRWNW"}`),
	}

	testCases := []struct {
		name   string
		modify func(e *OutboxEvent)
		valid  bool
	}{
		{"complete event", func(e *OutboxEvent) {}, true},
		{"missing aggregate type", func(e *OutboxEvent) { e.AggregateType = "" }, false},
		{"missing aggregate id", func(e *OutboxEvent) { e.AggregateID = "" }, false},
		{"missing event type", func(e *OutboxEvent) { e.EventType = "" }, false},
		{"missing payload", func(e *OutboxEvent) { e.Payload = nil }, false},
		{"malformed payload", func(e *OutboxEvent) { e.Payload = json.RawMessage(`{"code":`) }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			event := valid
			tc.modify(&event)
			err := event.validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			}
		})
	}
}

func TestNewProductEvent(t *testing.T) {
	event, err := NewProductEvent(EventProductAcquired, "B08N5WRWNW", map[string]any{"title": "Example Widget"})
	require.NoError(t, err)

	assert.Equal(t, AggregateProduct, event.AggregateType)
	assert.Equal(t, "B08N5WRWNW", event.AggregateID)
	assert.Equal(t, DefaultTargetStream, event.TargetStream)
	assert.JSONEq(t, `{"title":"Example Widget"}`, string(event.Payload))

	_, err = NewProductEvent(EventProductAcquired, "B08N5WRWNW", func() {})
	assert.Error(t, err)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retry    int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{40, 5 * time.Minute},
		{-1, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, retryDelay(tt.retry), "retry %d", tt.retry)
	}
}

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	t.Run("successful insert with transaction", func(t *testing.T) {
		event, err := NewProductEvent(EventProductAcquired, "B08N5WRWNW", map[string]string{"title": "Example Widget"})
		require.NoError(t, err)

		err = db.WithTx(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, 0, event.RetryCount)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rollback on transaction failure", func(t *testing.T) {
		event, err := NewProductEvent(EventProductAcquired, "012345678905", map[string]string{})
		require.NoError(t, err)

		err = db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return pgx.ErrTxClosed
		})
		assert.Error(t, err)

		events, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)
		for _, e := range events {
			assert.NotEqual(t, "012345678905", e.AggregateID)
		}
	})
}

func TestOutboxRepository_GetPendingAndMark(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	var ids []uuid.UUID
	for _, code := range []string{"B08N5WRWNW", "012345678905", "SKU-1"} {
		event, err := NewProductEvent(EventProductAcquired, code, map[string]string{"code": code})
		require.NoError(t, err)
		require.NoError(t, db.WithTx(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		}))
		ids = append(ids, event.ID)
	}

	pending, err := repo.GetPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, repo.MarkProcessed(ctx, ids[0]))
	assert.Error(t, repo.MarkProcessed(ctx, uuid.New()))

	require.NoError(t, repo.MarkFailed(ctx, ids[1], assert.AnError))

	var status string
	var retryCount int
	var nextRetry time.Time
	err = db.pool.QueryRow(ctx,
		"SELECT status, retry_count, next_retry_at FROM outbox_event WHERE id = $1",
		ids[1]).Scan(&status, &retryCount, &nextRetry)
	require.NoError(t, err)
	assert.Equal(t, OutboxStatusFailed, status)
	assert.Equal(t, 1, retryCount)
	assert.True(t, nextRetry.After(time.Now()))

	pending, err = repo.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[2], pending[0].ID)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[OutboxStatusProcessed])
	assert.Equal(t, int64(1), counts[OutboxStatusFailed])
	assert.Equal(t, int64(1), counts[OutboxStatusPending])
}

func TestOutboxRepository_DeadLetter(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)
	event, err := NewProductEvent(EventProductAcquired, "B08N5WRWNW", map[string]string{})
	require.NoError(t, err)
	event.RetryCount = MaxRetryCount - 1

	require.NoError(t, db.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.InsertWithTx(ctx, tx, event)
	}))
	require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

	var status string
	err = db.pool.QueryRow(ctx, "SELECT status FROM outbox_event WHERE id = $1", event.ID).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, OutboxStatusDeadLetter, status)
}
