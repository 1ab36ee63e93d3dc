package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"trustmesh/crypto"
	"trustmesh/native/escrow"
	"trustmesh/native/receipt"
)

const (
	taskKindMint   = "mint"
	taskKindStatus = "status"

	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 2 * time.Minute
)

// Bridge tails the custody ledger's event feed and mirrors every
// settlement onto the receipt ledger. All receipt mutations are signed
// with the bridge's oracle key, so the receipt ledger never trusts the
// transport.
type Bridge struct {
	cfg      Config
	store    *SQLiteStore
	queue    *SyncQueue
	mapper   *AddressMapper
	custody  CustodyClient
	receipts ReceiptClient
	scores   ScoreClient
	oracle   *crypto.PrivateKey
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// BridgeDeps bundles the collaborators a Bridge needs.
type BridgeDeps struct {
	Store    *SQLiteStore
	Queue    *SyncQueue
	Mapper   *AddressMapper
	Custody  CustodyClient
	Receipts ReceiptClient
	Scores   ScoreClient
	Oracle   *crypto.PrivateKey
	Logger   *slog.Logger
}

func NewBridge(cfg Config, deps BridgeDeps) (*Bridge, error) {
	if deps.Store == nil || deps.Custody == nil || deps.Receipts == nil || deps.Oracle == nil {
		return nil, fmt.Errorf("bridge: store, clients and oracle key are required")
	}
	if deps.Queue == nil {
		deps.Queue = NewSyncQueue(WithTaskCapacity(cfg.QueueCapacity), WithQueueTTL(cfg.QueueTTL))
	}
	if deps.Mapper == nil {
		deps.Mapper = NewAddressMapper(deps.Store)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	burst := int(cfg.ReceiptRateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Bridge{
		cfg:      cfg,
		store:    deps.Store,
		queue:    deps.Queue,
		mapper:   deps.Mapper,
		custody:  deps.Custody,
		receipts: deps.Receipts,
		scores:   deps.Scores,
		oracle:   deps.Oracle,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReceiptRateLimit), burst),
		logger:   logger,
	}, nil
}

// Run replays operations left pending by a previous run, then drives
// the watcher and the delivery worker until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.requeuePending(ctx); err != nil {
		return fmt.Errorf("replay pending operations: %w", err)
	}
	errCh := make(chan error, 2)
	go func() { errCh <- b.watch(ctx) }()
	go func() { errCh <- b.deliver(ctx) }()

	err := <-errCh
	<-errCh
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// requeuePending puts every operation still marked pending back on the
// queue. The cursor advances as soon as a batch is enqueued, so rows
// that never reached the receipt ledger are only recoverable from here.
func (b *Bridge) requeuePending(ctx context.Context) error {
	records, err := b.store.PendingOperations(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		var evt NodeEvent
		if err := json.Unmarshal([]byte(rec.EventJSON), &evt); err != nil {
			b.logger.Error("pending operation has no replayable event",
				"operation", rec.ID,
				"escrowId", rec.EscrowID,
				"error", err)
			_ = b.store.UpdateOperation(ctx, rec.ID, opStatusFailed, rec.Attempts, "stored event unreadable: "+err.Error())
			continue
		}
		b.queue.Enqueue(SyncTask{
			OperationID: rec.ID,
			Kind:        rec.Kind,
			EscrowID:    rec.EscrowID,
			Event:       evt,
			Attempt:     rec.Attempts,
		})
		b.logger.Info("requeued pending sync operation",
			"operation", rec.ID,
			"kind", rec.Kind,
			"escrowId", rec.EscrowID,
			"sequence", rec.Sequence)
	}
	return nil
}

func (b *Bridge) watch(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := b.pollOnce(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("custody event poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce drains all events past the stored cursor. The cursor only
// advances after every event in a batch has been recorded as a pending
// operation, so a crash replays the batch from the store rather than
// losing it.
func (b *Bridge) pollOnce(ctx context.Context) error {
	for {
		cursor, err := b.store.LastEventSequence(ctx)
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		evts, latest, err := b.custody.FetchEvents(ctx, cursor, b.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		if len(evts) == 0 {
			return nil
		}
		for _, evt := range evts {
			if err := b.ingest(ctx, evt); err != nil {
				return err
			}
		}
		highest := evts[len(evts)-1].Sequence
		if err := b.store.UpdateEventSequence(ctx, highest); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if highest >= latest {
			return nil
		}
	}
}

func (b *Bridge) ingest(ctx context.Context, evt NodeEvent) error {
	kind := taskKindForEvent(evt.Type)
	if kind == "" {
		return nil
	}
	escrowID := strings.TrimSpace(evt.Attributes["id"])
	if escrowID == "" {
		b.logger.Warn("custody event missing escrow id", "type", evt.Type, "sequence", evt.Sequence)
		return nil
	}
	task := SyncTask{
		OperationID: uuid.NewString(),
		Kind:        kind,
		EscrowID:    escrowID,
		Event:       evt,
	}
	rawEvent, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.store.InsertOperation(ctx, OperationRecord{
		ID:        task.OperationID,
		EscrowID:  escrowID,
		Kind:      kind,
		Sequence:  evt.Sequence,
		EventJSON: string(rawEvent),
		Status:    opStatusPending,
	}); err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	b.queue.Enqueue(task)
	b.logger.Info("queued sync operation",
		"operation", task.OperationID,
		"kind", kind,
		"escrowId", escrowID,
		"sequence", evt.Sequence)
	return nil
}

func taskKindForEvent(eventType string) string {
	switch eventType {
	case escrow.EventTypeDeposited:
		return taskKindMint
	case escrow.EventTypeReleased, escrow.EventTypeRefunded, escrow.EventTypeDisputed, escrow.EventTypeResolved:
		return taskKindStatus
	default:
		return ""
	}
}

func (b *Bridge) deliver(ctx context.Context) error {
	for {
		task, ok := b.queue.Dequeue(ctx)
		if !ok {
			return ctx.Err()
		}
		b.processTask(ctx, task)
	}
}

func (b *Bridge) processTask(ctx context.Context, task SyncTask) {
	err := b.execute(ctx, task)
	if err == nil {
		if updateErr := b.store.UpdateOperation(ctx, task.OperationID, opStatusSucceeded, task.Attempt+1, ""); updateErr != nil {
			b.logger.Error("record operation success failed", "operation", task.OperationID, "error", updateErr)
		}
		return
	}
	if ctx.Err() != nil {
		// Shutdown. The cursor already advanced past this event, so
		// record the unfinished attempt for an operator to replay.
		_ = b.store.UpdateOperation(context.Background(), task.OperationID, opStatusPending, task.Attempt+1, err.Error())
		return
	}

	attempts := task.Attempt + 1
	if !isRetryable(err) || attempts >= b.cfg.MaxAttempts {
		b.logger.Error("sync operation failed",
			"operation", task.OperationID,
			"kind", task.Kind,
			"escrowId", task.EscrowID,
			"attempts", attempts,
			"error", err)
		if updateErr := b.store.UpdateOperation(ctx, task.OperationID, opStatusFailed, attempts, err.Error()); updateErr != nil {
			b.logger.Error("record operation failure failed", "operation", task.OperationID, "error", updateErr)
		}
		return
	}

	delay := backoffDelay(attempts)
	b.logger.Warn("sync operation retry scheduled",
		"operation", task.OperationID,
		"kind", task.Kind,
		"escrowId", task.EscrowID,
		"attempt", attempts,
		"delay", delay,
		"error", err)
	if updateErr := b.store.UpdateOperation(ctx, task.OperationID, opStatusPending, attempts, err.Error()); updateErr != nil {
		b.logger.Error("record operation retry failed", "operation", task.OperationID, "error", updateErr)
	}
	retry := task
	retry.Attempt = attempts
	retry.NotBefore = time.Now().Add(delay)
	b.queue.Enqueue(retry)
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}

func (b *Bridge) execute(ctx context.Context, task SyncTask) error {
	switch task.Kind {
	case taskKindMint:
		return b.executeMint(ctx, task)
	case taskKindStatus:
		return b.executeStatus(ctx, task)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// executeMint mirrors a funded escrow as a soulbound receipt held by
// the payee. A conflict from the receipt ledger means a previous
// attempt already landed and counts as success.
func (b *Bridge) executeMint(ctx context.Context, task SyncTask) error {
	attrs := task.Event.Attributes
	payerRef, err := b.mapper.Map(attrs["payer"])
	if err != nil {
		return permanentErr(err)
	}
	payeeRef, err := b.mapper.Map(attrs["payee"])
	if err != nil {
		return permanentErr(err)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(attrs["amount"]), 10)
	if !ok || amount.Sign() <= 0 {
		return permanentErr(fmt.Errorf("malformed amount %q", attrs["amount"]))
	}
	escrowID := custodyEscrowID(task.EscrowID)
	description := attrs["description"]

	sig, err := b.signMint(escrowID, payerRef, payeeRef, amount, description)
	if err != nil {
		return permanentErr(err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	err = b.receipts.ReceiptMint(ctx, ReceiptMintRequest{
		EscrowID:    escrowID,
		PayerRef:    payerRef,
		PayeeRef:    payeeRef,
		Amount:      amount.String(),
		Description: description,
		Signature:   sig,
	})
	switch {
	case err == nil:
		return nil
	case IsNodeCondition(err, "conflict"):
		b.logger.Info("receipt already minted", "escrowId", escrowID)
		return nil
	case IsNodeCondition(err, "forbidden") || IsNodeCondition(err, "invalid_params"):
		return permanentErr(err)
	default:
		return err
	}
}

// executeStatus mirrors a custody settlement onto the receipt. A
// not_found response means the mint has not landed yet and the update
// is retried.
func (b *Bridge) executeStatus(ctx context.Context, task SyncTask) error {
	status, score := b.statusForEvent(ctx, task.Event)

	escrowID := custodyEscrowID(task.EscrowID)
	digest := receipt.StatusDigest(escrowID, status, score)
	sigBytes, err := b.oracle.Sign(digest[:])
	if err != nil {
		return permanentErr(err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	err = b.receipts.ReceiptUpdateStatus(ctx, ReceiptStatusRequest{
		EscrowID:  escrowID,
		Status:    status.String(),
		Score:     score,
		Signature: "0x" + hex.EncodeToString(sigBytes),
	})
	switch {
	case err == nil:
		return nil
	case IsNodeCondition(err, "not_found"):
		// Mint still in flight, let the backoff catch up.
		return err
	case IsNodeCondition(err, "conflict"):
		// Receipt settled differently on a prior attempt. The ledgers
		// disagree and an operator has to look.
		return permanentErr(err)
	case IsNodeCondition(err, "forbidden") || IsNodeCondition(err, "invalid_params"):
		return permanentErr(err)
	default:
		return err
	}
}

// statusForEvent maps a custody event onto the receipt status it
// mirrors. Resolutions attach a delivery score when the verification
// service is configured.
func (b *Bridge) statusForEvent(ctx context.Context, evt NodeEvent) (receipt.Status, *uint8) {
	switch evt.Type {
	case escrow.EventTypeReleased:
		return receipt.StatusReleased, nil
	case escrow.EventTypeRefunded:
		return b.cfg.RefundStatus, nil
	case escrow.EventTypeDisputed:
		return receipt.StatusDisputed, nil
	case escrow.EventTypeResolved:
		score := b.scoreResolution(ctx, evt)
		switch evt.Attributes["outcome"] {
		case "release":
			return receipt.StatusReleased, score
		case "refund":
			return b.cfg.RefundStatus, score
		}
		// No recorded outcome. Fall back on the delivery score.
		if score != nil && *score >= b.cfg.ScoreThreshold {
			return receipt.StatusReleased, score
		}
		return b.cfg.RefundStatus, score
	default:
		return receipt.StatusDisputed, nil
	}
}

// scoreResolution asks the verification service to rate the delivery.
// Scoring is best effort, a failure settles the receipt without one.
func (b *Bridge) scoreResolution(ctx context.Context, evt NodeEvent) *uint8 {
	if b.scores == nil {
		return nil
	}
	description := strings.TrimSpace(evt.Attributes["description"])
	if description == "" {
		return nil
	}
	summary := strings.TrimSpace(evt.Attributes["reason"])
	if summary == "" {
		summary = "outcome: " + evt.Attributes["outcome"]
	}
	score, err := b.scores.ScoreDelivery(ctx, description, summary)
	if err != nil {
		b.logger.Warn("delivery scoring failed", "escrowId", evt.Attributes["id"], "error", err)
		return nil
	}
	return &score
}

func (b *Bridge) signMint(escrowID, payerRef, payeeRef string, amount *big.Int, description string) (string, error) {
	payer, err := crypto.DecodeAddress(payerRef)
	if err != nil {
		return "", err
	}
	payee, err := crypto.DecodeAddress(payeeRef)
	if err != nil {
		return "", err
	}
	// The receipt ledger mints to the payee when no owner is supplied,
	// so the digest binds the payee as owner.
	digest := receipt.MintDigest(escrowID, payer.Fixed(), payee.Fixed(), payee.Fixed(), amount, description)
	sig, err := b.oracle.Sign(digest[:])
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// custodyEscrowID normalises the bare hex attribute from the event feed
// to the 0x form both RPC surfaces use.
func custodyEscrowID(id string) string {
	trimmed := strings.TrimSpace(id)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return "0x" + strings.ToLower(trimmed[2:])
	}
	return "0x" + strings.ToLower(trimmed)
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanentErr(err error) error {
	return permanentError{err: err}
}

func isRetryable(err error) bool {
	var perm permanentError
	return !errors.As(err, &perm)
}
