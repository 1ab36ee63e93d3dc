package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"trustmesh/core/events"
)

var errNilState = errors.New("escrow engine: state not configured")

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowCredit(id [32]byte, amt *big.Int) error
	EscrowDebit(id [32]byte, amt *big.Int) error
	EscrowBalance(id [32]byte) (*big.Int, error)
}

// operation names keyed into the permission table.
const (
	opDeposit = "deposit"
	opRelease = "release"
	opDispute = "dispute"
	opRefund  = "refund"
	opResolve = "resolve"
)

type role uint8

const (
	rolePayer role = iota
	rolePayee
	roleArbiter
)

// permissions maps each mutating operation to its closed set of allowed
// roles. Authorization is a membership check against this table; no operation
// is ever open to arbitrary principals.
var permissions = map[string][]role{
	opDeposit: {rolePayer},
	opRelease: {rolePayer, roleArbiter},
	opDispute: {rolePayer, rolePayee},
	opRefund:  {rolePayer, roleArbiter},
	opResolve: {roleArbiter},
}

func holdsRole(esc *Escrow, caller [20]byte, r role) bool {
	switch r {
	case rolePayer:
		return caller == esc.Payer
	case rolePayee:
		return caller == esc.Payee
	case roleArbiter:
		return caller == esc.Arbiter
	default:
		return false
	}
}

func authorize(esc *Escrow, op string, caller [20]byte) error {
	for _, r := range permissions[op] {
		if holdsRole(esc, caller, r) {
			return nil
		}
	}
	return ErrUnauthorized
}

// Engine owns the custody state machine. Every mutating operation checks the
// caller against the permission table and the escrow against the allowed
// source states under a per-escrow lock, so the precondition snapshot and the
// resulting write are atomic.
type Engine struct {
	state           engineState
	emitter         events.Emitter
	nowFn           func() int64
	distinctParties bool
	locks           sync.Map // [32]byte -> *sync.Mutex
}

// NewEngine creates a custody engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRequireDistinctParties toggles rejection of escrows where any two of
// payer, payee and arbiter coincide.
func (e *Engine) SetRequireDistinctParties(enabled bool) { e.distinctParties = enabled }

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

// lockEscrow serializes all operations against a single escrow identifier.
// Distinct identifiers proceed fully in parallel.
func (e *Engine) lockEscrow(id [32]byte) func() {
	muAny, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// DeriveID computes the deterministic escrow identifier for the given parties
// and caller-supplied nonce.
func DeriveID(payer, payee [20]byte, nonce string) [32]byte {
	return ethcrypto.Keccak256Hash(payer[:], payee[:], []byte(nonce))
}

// Create initialises and persists a new escrow definition in state Created.
// The identifier is derived from the payer, payee and nonce; re-creating an
// existing identifier fails with ErrDuplicateCreate.
func (e *Engine) Create(payer, payee, arbiter [20]byte, amount *big.Int, deadline int64, description, nonce string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	if payer == ([20]byte{}) || payee == ([20]byte{}) || arbiter == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: payer, payee and arbiter are required")
	}
	if e.distinctParties {
		if payer == payee || payer == arbiter || payee == arbiter {
			return nil, fmt.Errorf("escrow: payer, payee and arbiter must be distinct")
		}
	}
	id := DeriveID(payer, payee, nonce)
	unlock := e.lockEscrow(id)
	defer unlock()
	if _, ok := e.state.EscrowGet(id); ok {
		return nil, ErrDuplicateCreate
	}
	esc := &Escrow{
		ID:          id,
		Payer:       payer,
		Payee:       payee,
		Arbiter:     arbiter,
		Amount:      amt,
		Deadline:    deadline,
		Description: strings.TrimSpace(description),
		Status:      StatusCreated,
		CreatedAt:   e.now(),
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Deposit moves the attached value into the escrow vault and marks the escrow
// as funded. Only the payer may deposit, only from state Created, and the
// value must cover the agreed amount.
func (e *Engine) Deposit(id [32]byte, caller [20]byte, value *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	unlock := e.lockEscrow(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := authorize(esc, opDeposit, caller); err != nil {
		return err
	}
	if esc.Status != StatusCreated {
		return ErrInvalidState
	}
	val := cloneBigInt(value)
	if val.Cmp(esc.Amount) < 0 {
		return ErrInsufficientAmount
	}
	if err := e.state.EscrowCredit(id, esc.Amount); err != nil {
		return err
	}
	esc.Status = StatusFunded
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(esc))
	return nil
}

// Release settles the escrow in favour of the payee. Permitted to the payer
// or the arbiter, only while funded and undisputed.
func (e *Engine) Release(id [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	unlock := e.lockEscrow(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := authorize(esc, opRelease, caller); err != nil {
		return err
	}
	if esc.Disputed {
		return ErrAlreadyDisputed
	}
	if esc.Status != StatusFunded {
		return ErrInvalidState
	}
	return e.settle(esc, StatusReleased, NewReleasedEvent)
}

// Dispute flags the escrow as contested. Only the payer or payee may raise a
// dispute, only while funded, and only once.
func (e *Engine) Dispute(id [32]byte, caller [20]byte, reason string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	unlock := e.lockEscrow(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := authorize(esc, opDispute, caller); err != nil {
		return err
	}
	if esc.Disputed {
		return ErrAlreadyDisputed
	}
	if esc.Status != StatusFunded {
		return ErrInvalidState
	}
	esc.Disputed = true
	esc.Status = StatusDisputed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc, caller, reason))
	return nil
}

// Refund returns the escrowed funds to the payer. Permitted to the payer or
// the arbiter, only once the escrow is disputed.
func (e *Engine) Refund(id [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	unlock := e.lockEscrow(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := authorize(esc, opRefund, caller); err != nil {
		return err
	}
	if !esc.Disputed {
		return ErrNotDisputed
	}
	if esc.Status != StatusDisputed {
		return ErrInvalidState
	}
	return e.settle(esc, StatusRefunded, NewRefundedEvent)
}

// Resolve settles a disputed escrow according to the arbiter-determined
// outcome. Valid outcomes are "release" and "refund".
func (e *Engine) Resolve(id [32]byte, caller [20]byte, outcome string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	unlock := e.lockEscrow(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := authorize(esc, opResolve, caller); err != nil {
		return err
	}
	if !esc.Disputed {
		return ErrNotDisputed
	}
	if esc.Status != StatusDisputed {
		return ErrInvalidState
	}
	var status Status
	var eventFn func(*Escrow) *events.Event
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "release":
		status, eventFn = StatusReleased, NewReleasedEvent
	case "refund":
		status, eventFn = StatusRefunded, NewRefundedEvent
	default:
		return ErrInvalidOutcome
	}
	if err := e.settle(esc, status, eventFn); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(esc, strings.ToLower(strings.TrimSpace(outcome))))
	return nil
}

// Get returns a copy of the escrow record. Reads are always permitted.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc.Clone(), nil
}

// settle debits the vault and records the terminal status. The caller holds
// the per-escrow lock.
func (e *Engine) settle(esc *Escrow, status Status, eventFn func(*Escrow) *events.Event) error {
	if esc == nil {
		return fmt.Errorf("escrow: nil escrow")
	}
	amount := cloneBigInt(esc.Amount)
	if err := e.state.EscrowDebit(esc.ID, amount); err != nil {
		return err
	}
	esc.Status = status
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(eventFn(esc))
	return nil
}
