package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	q, err := New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	return q, mr
}

func TestQueue_EnqueueAndDequeue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	id, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	processing, err := mr.List(processingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, processing)

	require.NoError(t, q.Ack(ctx, "a"))
	processing, err = mr.List(processingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, processing)
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	id, err := q.Dequeue(context.Background(), 100*time.Millisecond)

	assert.NoError(t, err)
	assert.Empty(t, id)
}

func TestQueue_EnqueueFront(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	require.NoError(t, q.EnqueueFront(ctx, "b"))

	pending, err := mr.List(pendingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, pending)
}

func TestQueue_Remove(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Schedule(ctx, "a", time.Now().Add(time.Hour)))
	require.NoError(t, q.Remove(ctx, "a"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	d, err := q.Delayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestQueue_PromoteDue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, "due", now.Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, "later", now.Add(time.Hour)))

	n, err := q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := mr.List(pendingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, pending)

	n, err = q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	d, err := q.Delayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d)
}

func TestQueue_Recover(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := mr.List(pendingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, pending)
}

func TestQueue_CancelSignal(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	ok, err := q.CancelRequested(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.RequestCancel(ctx, "a"))
	ok, err = q.CancelRequested(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, q.ClearCancel(ctx, "a"))
	ok, err = q.CancelRequested(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
