package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncQueueFIFO(t *testing.T) {
	q := NewSyncQueue(WithTaskCapacity(4))
	q.Enqueue(SyncTask{OperationID: "a"})
	q.Enqueue(SyncTask{OperationID: "b"})
	q.Enqueue(SyncTask{OperationID: "c"})
	require.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		task, ok := q.Dequeue(ctx)
		require.True(t, ok)
		require.Equal(t, want, task.OperationID)
	}
	require.Equal(t, 0, q.Len())
}

func TestSyncQueueOverflowDropsOldest(t *testing.T) {
	q := NewSyncQueue(WithTaskCapacity(2))
	q.Enqueue(SyncTask{OperationID: "a"})
	q.Enqueue(SyncTask{OperationID: "b"})
	q.Enqueue(SyncTask{OperationID: "c"})
	require.Equal(t, 2, q.Len())

	ctx := context.Background()
	task, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "b", task.OperationID)
	task, ok = q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "c", task.OperationID)
}

func TestSyncQueueTTLEviction(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	q := NewSyncQueue(WithTaskCapacity(4), WithQueueTTL(time.Minute), withQueueClock(clock))

	q.Enqueue(SyncTask{OperationID: "stale"})
	now = now.Add(2 * time.Minute)
	q.Enqueue(SyncTask{OperationID: "fresh"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "fresh", task.OperationID)
	require.Equal(t, 0, q.Len())
}

func TestSyncQueueDequeueHonoursNotBefore(t *testing.T) {
	q := NewSyncQueue(WithTaskCapacity(4))
	q.Enqueue(SyncTask{OperationID: "delayed", NotBefore: time.Now().Add(60 * time.Millisecond)})

	start := time.Now()
	task, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, "delayed", task.OperationID)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSyncQueueDequeueCancellation(t *testing.T) {
	q := NewSyncQueue(WithTaskCapacity(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Dequeue(ctx)
	require.False(t, ok)
}
