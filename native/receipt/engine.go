package receipt

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"trustmesh/core/events"
	"trustmesh/crypto"
)

var errNilState = errors.New("receipt: engine state not configured")

type engineState interface {
	ReceiptPut(*Receipt) error
	ReceiptGet(escrowID string) (*Receipt, bool)
}

// MintInstruction is an oracle-signed request to mint a receipt for an
// escrow. The signature covers every other field via MintDigest.
type MintInstruction struct {
	EscrowID    string
	PayerRef    [20]byte
	PayeeRef    [20]byte
	Owner       [20]byte
	Amount      *big.Int
	Description string
	Signature   []byte
}

// StatusInstruction is an oracle-signed request to move a receipt's
// status, optionally attaching a verification score.
type StatusInstruction struct {
	EscrowID  string
	Status    Status
	Score     *uint8
	Signature []byte
}

// Engine implements the attestation ledger. Receipts are minted and
// updated only on instructions signed by the registered oracle key;
// transfers are gated on the receipt having settled.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
	oracle  [20]byte
	locks   sync.Map // string -> *sync.Mutex
}

// NewEngine creates a receipt engine with a no-op emitter and no oracle
// registered. Until SetOracle is called every signed instruction fails.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOracle registers the sole key allowed to mint receipts and update
// their status.
func (e *Engine) SetOracle(oracle [20]byte) { e.oracle = oracle }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// lockReceipt serializes all operations against a single escrow identifier.
func (e *Engine) lockReceipt(escrowID string) func() {
	muAny, _ := e.locks.LoadOrStore(escrowID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// verifyOracle recovers the signer of digest and compares it against the
// registered oracle. A zero oracle key rejects everything.
func (e *Engine) verifyOracle(digest [32]byte, sig []byte) error {
	if e.oracle == ([20]byte{}) {
		return ErrUnauthorizedOracle
	}
	signer, err := crypto.RecoverSigner(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedOracle, err)
	}
	if signer != e.oracle {
		return ErrUnauthorizedOracle
	}
	return nil
}

// Mint creates the receipt for an escrow. The receipt starts Active and
// soulbound to its owner.
func (e *Engine) Mint(instr MintInstruction) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	digest := MintDigest(instr.EscrowID, instr.PayerRef, instr.PayeeRef, instr.Owner, instr.Amount, instr.Description)
	if err := e.verifyOracle(digest, instr.Signature); err != nil {
		return nil, err
	}

	unlock := e.lockReceipt(instr.EscrowID)
	defer unlock()
	if _, ok := e.state.ReceiptGet(instr.EscrowID); ok {
		return nil, ErrDuplicateMint
	}
	now := e.now()
	rec := &Receipt{
		EscrowID:    instr.EscrowID,
		PayerRef:    instr.PayerRef,
		PayeeRef:    instr.PayeeRef,
		Owner:       instr.Owner,
		Amount:      instr.Amount,
		Description: instr.Description,
		Status:      StatusActive,
		MintedAt:    now,
		UpdatedAt:   now,
	}
	sanitized, err := Sanitize(rec)
	if err != nil {
		return nil, err
	}
	if err := e.state.ReceiptPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewMintedEvent(sanitized))
	return sanitized.Clone(), nil
}

// UpdateStatus applies an oracle-signed status transition. Transitions
// are monotonic: Active may settle into Released or Disputed, settled
// receipts accept only exact replays of the update that settled them.
// Settling a receipt lifts its transfer lock.
func (e *Engine) UpdateStatus(instr StatusInstruction) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if !instr.Status.Valid() {
		return nil, fmt.Errorf("receipt: invalid target status %d", instr.Status)
	}
	digest := StatusDigest(instr.EscrowID, instr.Status, instr.Score)
	if err := e.verifyOracle(digest, instr.Signature); err != nil {
		return nil, err
	}

	unlock := e.lockReceipt(instr.EscrowID)
	defer unlock()
	rec, ok := e.state.ReceiptGet(instr.EscrowID)
	if !ok {
		return nil, ErrNotFound
	}

	if rec.Status.Terminal() {
		if instr.Status != rec.Status {
			return nil, ErrIllegalStatusRegression
		}
		if err := reconcileScore(rec, instr.Score); err != nil {
			return nil, err
		}
		// Exact replay of the settling update.
		return rec.Clone(), nil
	}

	if instr.Status == StatusActive {
		if err := reconcileScore(rec, instr.Score); err != nil {
			return nil, err
		}
		return rec.Clone(), nil
	}

	previous := rec.Status
	rec.Status = instr.Status
	if err := applyScore(rec, instr.Score); err != nil {
		return nil, err
	}
	rec.UpdatedAt = e.now()
	sanitized, err := Sanitize(rec)
	if err != nil {
		return nil, err
	}
	if err := e.state.ReceiptPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewStatusUpdatedEvent(sanitized, previous))
	return sanitized.Clone(), nil
}

// reconcileScore checks an incoming score against a stored one without
// mutating the record. Used on idempotent replays.
func reconcileScore(rec *Receipt, score *uint8) error {
	if score == nil {
		return nil
	}
	if rec.Score == nil || *rec.Score != *score {
		return ErrScoreAlreadyFinalized
	}
	return nil
}

func applyScore(rec *Receipt, score *uint8) error {
	if score == nil {
		return nil
	}
	if rec.Score != nil && *rec.Score != *score {
		return ErrScoreAlreadyFinalized
	}
	s := *score
	rec.Score = &s
	return nil
}

// Transfer moves ownership of a settled receipt. While the underlying
// escrow is still Active the receipt is soulbound and cannot move.
func (e *Engine) Transfer(escrowID string, caller, to [20]byte) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if to == ([20]byte{}) {
		return nil, fmt.Errorf("receipt: transfer target is required")
	}

	unlock := e.lockReceipt(escrowID)
	defer unlock()
	rec, ok := e.state.ReceiptGet(escrowID)
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Owner != caller {
		return nil, ErrNotOwner
	}
	if rec.TransferLocked() {
		return nil, ErrStillSoulbound
	}
	from := rec.Owner
	rec.Owner = to
	rec.UpdatedAt = e.now()
	sanitized, err := Sanitize(rec)
	if err != nil {
		return nil, err
	}
	if err := e.state.ReceiptPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewTransferredEvent(sanitized, from))
	return sanitized.Clone(), nil
}

// Get returns a copy of the receipt for the escrow id.
func (e *Engine) Get(escrowID string) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	rec, ok := e.state.ReceiptGet(escrowID)
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}
