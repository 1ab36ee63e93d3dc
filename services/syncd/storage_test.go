package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "syncd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEventCursorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq, err := store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Zero(t, seq)

	require.NoError(t, store.UpdateEventSequence(ctx, 42))
	seq, err = store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)

	require.NoError(t, store.UpdateEventSequence(ctx, 43))
	seq, err = store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(43), seq)
}

func TestAddressMappingPersistence(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveMapping("aabb", "tmr1example"))

	ref, ok, err := store.LookupMapping("aabb")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tmr1example", ref)

	// First write wins for an existing custody address.
	require.NoError(t, store.SaveMapping("aabb", "tmr1other"))
	ref, ok, err = store.LookupMapping("aabb")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tmr1example", ref)

	_, ok, err = store.LookupMapping("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOperationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertOperation(ctx, OperationRecord{
		ID:       "op-1",
		EscrowID: "0xabc",
		Kind:     taskKindMint,
		Sequence: 7,
		Status:   opStatusPending,
	}))
	require.NoError(t, store.InsertOperation(ctx, OperationRecord{
		ID:       "op-2",
		EscrowID: "0xabc",
		Kind:     taskKindStatus,
		Sequence: 9,
		Status:   opStatusPending,
	}))

	pending, err := store.PendingOperationCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	require.NoError(t, store.UpdateOperation(ctx, "op-1", opStatusSucceeded, 1, ""))
	require.NoError(t, store.UpdateOperation(ctx, "op-2", opStatusFailed, 3, "node rpc error conflict"))

	pending, err = store.PendingOperationCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	records, err := store.OperationsByEscrow(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, opStatusSucceeded, records[0].Status)
	require.Equal(t, 1, records[0].Attempts)
	require.Equal(t, opStatusFailed, records[1].Status)
	require.Equal(t, "node rpc error conflict", records[1].LastError)
	require.Equal(t, uint64(9), records[1].Sequence)
}

func TestPendingOperationsOrderedBySequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertOperation(ctx, OperationRecord{
		ID: "op-b", EscrowID: "0xb", Kind: taskKindStatus, Sequence: 12, EventJSON: `{"sequence":12}`, Status: opStatusPending,
	}))
	require.NoError(t, store.InsertOperation(ctx, OperationRecord{
		ID: "op-a", EscrowID: "0xa", Kind: taskKindMint, Sequence: 3, EventJSON: `{"sequence":3}`, Status: opStatusPending,
	}))
	require.NoError(t, store.InsertOperation(ctx, OperationRecord{
		ID: "op-c", EscrowID: "0xc", Kind: taskKindMint, Sequence: 5, EventJSON: `{"sequence":5}`, Status: opStatusSucceeded,
	}))

	records, err := store.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "op-a", records[0].ID)
	require.Equal(t, "op-b", records[1].ID)
	require.Equal(t, `{"sequence":3}`, records[0].EventJSON)
}
