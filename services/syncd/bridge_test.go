package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trustmesh/crypto"
	"trustmesh/native/receipt"
)

type fakeCustody struct {
	events []NodeEvent
	latest uint64
}

func (f *fakeCustody) FetchEvents(_ context.Context, after uint64, limit int) ([]NodeEvent, uint64, error) {
	var out []NodeEvent
	for _, evt := range f.events {
		if evt.Sequence <= after {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, f.latest, nil
}

type fakeReceipts struct {
	mints     []ReceiptMintRequest
	statuses  []ReceiptStatusRequest
	mintErr   error
	statusErr error
}

func (f *fakeReceipts) ReceiptMint(_ context.Context, req ReceiptMintRequest) error {
	if f.mintErr != nil {
		return f.mintErr
	}
	f.mints = append(f.mints, req)
	return nil
}

func (f *fakeReceipts) ReceiptUpdateStatus(_ context.Context, req ReceiptStatusRequest) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, req)
	return nil
}

func (f *fakeReceipts) ReceiptGet(context.Context, string) (*ReceiptState, error) {
	return nil, &NodeError{Message: "not_found"}
}

type fixedScores struct {
	score uint8
	err   error
}

func (f fixedScores) ScoreDelivery(context.Context, string, string) (uint8, error) {
	return f.score, f.err
}

func testConfig() Config {
	return Config{
		PollInterval:     time.Second,
		BatchSize:        100,
		QueueCapacity:    64,
		QueueTTL:         time.Minute,
		MaxAttempts:      3,
		RefundStatus:     receipt.StatusDisputed,
		ScoreThreshold:   70,
		ReceiptRateLimit: 1000,
	}
}

func newTestBridge(t *testing.T, cfg Config, custody CustodyClient, receipts ReceiptClient, scores ScoreClient) (*Bridge, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	bridge, err := NewBridge(cfg, BridgeDeps{
		Store:    newTestStore(t),
		Custody:  custody,
		Receipts: receipts,
		Scores:   scores,
		Oracle:   key,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return bridge, key
}

func depositEvent(seq uint64) NodeEvent {
	payer := make([]byte, 20)
	payee := make([]byte, 20)
	payer[19] = 0x01
	payee[19] = 0x02
	id := make([]byte, 32)
	id[31] = 0xaa
	return NodeEvent{
		Sequence: seq,
		Type:     "escrow.deposited",
		Attributes: map[string]string{
			"id":          hex.EncodeToString(id),
			"payer":       hex.EncodeToString(payer),
			"payee":       hex.EncodeToString(payee),
			"amount":      "2500",
			"description": "site redesign",
			"status":      "funded",
		},
	}
}

func TestExecuteMintSignsVerifiableInstruction(t *testing.T) {
	receipts := &fakeReceipts{}
	bridge, key := newTestBridge(t, testConfig(), &fakeCustody{}, receipts, nil)

	evt := depositEvent(1)
	err := bridge.execute(context.Background(), SyncTask{
		Kind:     taskKindMint,
		EscrowID: evt.Attributes["id"],
		Event:    evt,
	})
	require.NoError(t, err)
	require.Len(t, receipts.mints, 1)

	req := receipts.mints[0]
	require.Equal(t, "0x"+evt.Attributes["id"], req.EscrowID)
	require.Equal(t, "2500", req.Amount)
	require.Equal(t, "site redesign", req.Description)

	payer, err := crypto.DecodeAddress(req.PayerRef)
	require.NoError(t, err)
	payee, err := crypto.DecodeAddress(req.PayeeRef)
	require.NoError(t, err)

	digest := receipt.MintDigest(req.EscrowID, payer.Fixed(), payee.Fixed(), payee.Fixed(), big.NewInt(2500), req.Description)
	sig, err := hex.DecodeString(req.Signature[2:])
	require.NoError(t, err)
	signer, err := crypto.RecoverSigner(digest[:], sig)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address(crypto.ReceiptPrefix).Fixed(), signer)
}

func TestExecuteMintDeterministicRefs(t *testing.T) {
	receipts := &fakeReceipts{}
	bridge, _ := newTestBridge(t, testConfig(), &fakeCustody{}, receipts, nil)

	evt := depositEvent(1)
	require.NoError(t, bridge.execute(context.Background(), SyncTask{Kind: taskKindMint, EscrowID: evt.Attributes["id"], Event: evt}))
	require.NoError(t, bridge.execute(context.Background(), SyncTask{Kind: taskKindMint, EscrowID: evt.Attributes["id"], Event: evt}))

	require.Len(t, receipts.mints, 2)
	require.Equal(t, receipts.mints[0].PayerRef, receipts.mints[1].PayerRef)
	require.Equal(t, receipts.mints[0].PayeeRef, receipts.mints[1].PayeeRef)
	require.NotEqual(t, receipts.mints[0].PayerRef, receipts.mints[0].PayeeRef)
}

func TestExecuteMintConflictIsSuccess(t *testing.T) {
	receipts := &fakeReceipts{mintErr: &NodeError{Code: -32033, Message: "conflict"}}
	bridge, _ := newTestBridge(t, testConfig(), &fakeCustody{}, receipts, nil)

	evt := depositEvent(1)
	err := bridge.execute(context.Background(), SyncTask{Kind: taskKindMint, EscrowID: evt.Attributes["id"], Event: evt})
	require.NoError(t, err)
}

func TestStatusMappingForCustodyEvents(t *testing.T) {
	cfg := testConfig()
	bridge, _ := newTestBridge(t, cfg, &fakeCustody{}, &fakeReceipts{}, nil)
	ctx := context.Background()

	cases := []struct {
		eventType string
		attrs     map[string]string
		want      receipt.Status
	}{
		{"escrow.released", nil, receipt.StatusReleased},
		{"escrow.refunded", nil, receipt.StatusDisputed},
		{"escrow.disputed", nil, receipt.StatusDisputed},
		{"escrow.resolved", map[string]string{"outcome": "release"}, receipt.StatusReleased},
		{"escrow.resolved", map[string]string{"outcome": "refund"}, receipt.StatusDisputed},
	}
	for _, tc := range cases {
		attrs := tc.attrs
		if attrs == nil {
			attrs = map[string]string{}
		}
		status, _ := bridge.statusForEvent(ctx, NodeEvent{Type: tc.eventType, Attributes: attrs})
		require.Equal(t, tc.want, status, "event %s", tc.eventType)
	}
}

func TestResolvedEventAttachesDeliveryScore(t *testing.T) {
	receipts := &fakeReceipts{}
	bridge, _ := newTestBridge(t, testConfig(), &fakeCustody{}, receipts, fixedScores{score: 91})

	evt := depositEvent(4)
	evt.Type = "escrow.resolved"
	evt.Attributes["outcome"] = "release"
	evt.Attributes["reason"] = "deliverable accepted after revision"

	err := bridge.execute(context.Background(), SyncTask{Kind: taskKindStatus, EscrowID: evt.Attributes["id"], Event: evt})
	require.NoError(t, err)
	require.Len(t, receipts.statuses, 1)
	require.Equal(t, receipt.StatusReleased.String(), receipts.statuses[0].Status)
	require.NotNil(t, receipts.statuses[0].Score)
	require.Equal(t, uint8(91), *receipts.statuses[0].Score)
}

func TestScoreThresholdDecidesMissingOutcome(t *testing.T) {
	bridge, _ := newTestBridge(t, testConfig(), &fakeCustody{}, &fakeReceipts{}, fixedScores{score: 40})
	evt := depositEvent(4)
	evt.Type = "escrow.resolved"

	status, score := bridge.statusForEvent(context.Background(), evt)
	require.Equal(t, receipt.StatusDisputed, status)
	require.NotNil(t, score)
	require.Equal(t, uint8(40), *score)
}

func TestStatusNotFoundIsRetried(t *testing.T) {
	receipts := &fakeReceipts{statusErr: &NodeError{Code: -32031, Message: "not_found"}}
	bridge, _ := newTestBridge(t, testConfig(), &fakeCustody{}, receipts, nil)
	ctx := context.Background()

	evt := depositEvent(2)
	evt.Type = "escrow.released"
	task := SyncTask{OperationID: "op-retry", Kind: taskKindStatus, EscrowID: evt.Attributes["id"], Event: evt}
	require.NoError(t, bridge.store.InsertOperation(ctx, OperationRecord{
		ID: task.OperationID, EscrowID: task.EscrowID, Kind: task.Kind, Sequence: 2, Status: opStatusPending,
	}))

	bridge.processTask(ctx, task)

	require.Equal(t, 1, bridge.queue.Len())
	records, err := bridge.store.OperationsByEscrow(ctx, task.EscrowID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, opStatusPending, records[0].Status)
	require.Equal(t, 1, records[0].Attempts)
}

func TestStatusConflictIsPermanent(t *testing.T) {
	receipts := &fakeReceipts{statusErr: &NodeError{Code: -32033, Message: "conflict"}}
	bridge, _ := newTestBridge(t, testConfig(), &fakeCustody{}, receipts, nil)
	ctx := context.Background()

	evt := depositEvent(3)
	evt.Type = "escrow.released"
	task := SyncTask{OperationID: "op-conflict", Kind: taskKindStatus, EscrowID: evt.Attributes["id"], Event: evt}
	require.NoError(t, bridge.store.InsertOperation(ctx, OperationRecord{
		ID: task.OperationID, EscrowID: task.EscrowID, Kind: task.Kind, Sequence: 3, Status: opStatusPending,
	}))

	bridge.processTask(ctx, task)

	require.Zero(t, bridge.queue.Len())
	records, err := bridge.store.OperationsByEscrow(ctx, task.EscrowID)
	require.NoError(t, err)
	require.Equal(t, opStatusFailed, records[0].Status)
}

func TestPollOnceQueuesAndAdvancesCursor(t *testing.T) {
	deposited := depositEvent(1)
	released := depositEvent(2)
	released.Type = "escrow.released"
	created := depositEvent(3)
	created.Type = "escrow.created"

	custody := &fakeCustody{events: []NodeEvent{deposited, released, created}, latest: 3}
	bridge, _ := newTestBridge(t, testConfig(), custody, &fakeReceipts{}, nil)
	ctx := context.Background()

	require.NoError(t, bridge.pollOnce(ctx))

	// Created events carry no receipt side effect and are skipped.
	require.Equal(t, 2, bridge.queue.Len())

	cursor, err := bridge.store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), cursor)

	pending, err := bridge.store.PendingOperationCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	// Every pending row carries the event it was cut from, so a restart
	// can rebuild the task without the feed.
	records, err := bridge.store.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.NotEmpty(t, rec.EventJSON)
	}

	// A second poll finds nothing new.
	require.NoError(t, bridge.pollOnce(ctx))
	require.Equal(t, 2, bridge.queue.Len())
}

func TestRequeuePendingReplaysStoredEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	evt := depositEvent(5)
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, store.InsertOperation(ctx, OperationRecord{
		ID: "op-replay", EscrowID: evt.Attributes["id"], Kind: taskKindMint,
		Sequence: 5, EventJSON: string(raw), Status: opStatusPending, Attempts: 1,
	}))
	require.NoError(t, store.InsertOperation(ctx, OperationRecord{
		ID: "op-done", EscrowID: evt.Attributes["id"], Kind: taskKindMint,
		Sequence: 4, EventJSON: string(raw), Status: opStatusSucceeded,
	}))

	// Same store, fresh bridge, as after a crash between enqueue and
	// delivery.
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	receipts := &fakeReceipts{}
	bridge, err := NewBridge(testConfig(), BridgeDeps{
		Store:    store,
		Custody:  &fakeCustody{},
		Receipts: receipts,
		Oracle:   key,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	require.NoError(t, bridge.requeuePending(ctx))
	require.Equal(t, 1, bridge.queue.Len())

	task, ok := bridge.queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "op-replay", task.OperationID)
	require.Equal(t, 1, task.Attempt)
	require.Equal(t, evt.Attributes["payer"], task.Event.Attributes["payer"])

	bridge.processTask(ctx, task)
	require.Len(t, receipts.mints, 1)
	records, err := store.OperationsByEscrow(ctx, task.EscrowID)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.ID == "op-replay" {
			require.Equal(t, opStatusSucceeded, rec.Status)
		}
	}
}

func TestRequeuePendingMarksUnreadableEventFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertOperation(ctx, OperationRecord{
		ID: "op-blank", EscrowID: "aa", Kind: taskKindMint, Sequence: 1, Status: opStatusPending,
	}))

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	bridge, err := NewBridge(testConfig(), BridgeDeps{
		Store:    store,
		Custody:  &fakeCustody{},
		Receipts: &fakeReceipts{},
		Oracle:   key,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	require.NoError(t, bridge.requeuePending(ctx))
	require.Zero(t, bridge.queue.Len())

	records, err := store.OperationsByEscrow(ctx, "aa")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, opStatusFailed, records[0].Status)
}

func TestBackoffDelayCaps(t *testing.T) {
	require.Equal(t, retryBaseDelay, backoffDelay(1))
	require.Equal(t, 2*retryBaseDelay, backoffDelay(2))
	require.Equal(t, retryMaxDelay, backoffDelay(20))
}
