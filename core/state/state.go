package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"trustmesh/native/escrow"
	"trustmesh/native/receipt"
	"trustmesh/storage"
)

const (
	escrowPrefix  = "escrow/"
	vaultPrefix   = "escrow-vault/"
	receiptPrefix = "receipt/"
)

// Manager persists ledger state into a storage.Database. It satisfies
// the state interfaces of both the custody and the receipt engines.
type Manager struct {
	db storage.Database
	mu sync.RWMutex
}

func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func escrowKey(id [32]byte) []byte {
	return []byte(escrowPrefix + hex.EncodeToString(id[:]))
}

func vaultKey(id [32]byte) []byte {
	return []byte(vaultPrefix + hex.EncodeToString(id[:]))
}

func receiptKey(escrowID string) []byte {
	return []byte(receiptPrefix + escrowID)
}

type storedEscrow struct {
	ID          string `json:"id"`
	Payer       string `json:"payer"`
	Payee       string `json:"payee"`
	Arbiter     string `json:"arbiter"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
	Description string `json:"description,omitempty"`
	Disputed    bool   `json:"disputed"`
	Status      uint8  `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
}

func encodeEscrow(esc *escrow.Escrow) ([]byte, error) {
	rec := storedEscrow{
		ID:          hex.EncodeToString(esc.ID[:]),
		Payer:       hex.EncodeToString(esc.Payer[:]),
		Payee:       hex.EncodeToString(esc.Payee[:]),
		Arbiter:     hex.EncodeToString(esc.Arbiter[:]),
		Amount:      esc.Amount.String(),
		Deadline:    esc.Deadline,
		Description: esc.Description,
		Disputed:    esc.Disputed,
		Status:      uint8(esc.Status),
		CreatedAt:   esc.CreatedAt,
	}
	return json.Marshal(rec)
}

func decodeFixed20(field, raw string) ([20]byte, error) {
	var out [20]byte
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("state: malformed %s %q", field, raw)
	}
	copy(out[:], b)
	return out, nil
}

func decodeEscrow(raw []byte) (*escrow.Escrow, error) {
	var rec storedEscrow
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode escrow: %w", err)
	}
	idBytes, err := hex.DecodeString(rec.ID)
	if err != nil || len(idBytes) != 32 {
		return nil, fmt.Errorf("state: malformed escrow id %q", rec.ID)
	}
	esc := &escrow.Escrow{
		Deadline:    rec.Deadline,
		Description: rec.Description,
		Disputed:    rec.Disputed,
		Status:      escrow.Status(rec.Status),
		CreatedAt:   rec.CreatedAt,
	}
	copy(esc.ID[:], idBytes)
	if esc.Payer, err = decodeFixed20("payer", rec.Payer); err != nil {
		return nil, err
	}
	if esc.Payee, err = decodeFixed20("payee", rec.Payee); err != nil {
		return nil, err
	}
	if esc.Arbiter, err = decodeFixed20("arbiter", rec.Arbiter); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(rec.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("state: malformed escrow amount %q", rec.Amount)
	}
	esc.Amount = amount
	return esc, nil
}

// EscrowPut sanitizes and persists an escrow record.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	sanitized, err := escrow.Sanitize(esc)
	if err != nil {
		return err
	}
	raw, err := encodeEscrow(sanitized)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(escrowKey(sanitized.ID), raw)
}

// EscrowGet loads an escrow record. Decode failures are treated as
// absent records rather than panics; the engines surface ErrNotFound.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	m.mu.RLock()
	raw, err := m.db.Get(escrowKey(id))
	m.mu.RUnlock()
	if err != nil {
		return nil, false
	}
	esc, err := decodeEscrow(raw)
	if err != nil {
		return nil, false
	}
	return esc, true
}

func (m *Manager) vaultBalance(id [32]byte) (*big.Int, error) {
	raw, err := m.db.Get(vaultKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: malformed vault balance %q", raw)
	}
	return balance, nil
}

// EscrowCredit adds funds to an escrow's vault.
func (m *Manager) EscrowCredit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.db.Get(escrowKey(id)); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return escrow.ErrNotFound
		}
		return err
	}
	balance, err := m.vaultBalance(id)
	if err != nil {
		return err
	}
	balance.Add(balance, amt)
	return m.db.Put(vaultKey(id), []byte(balance.String()))
}

// EscrowDebit removes funds from an escrow's vault. The vault can never
// go negative.
func (m *Manager) EscrowDebit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.vaultBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: insufficient vault balance for escrow %x", id[:4])
	}
	balance.Sub(balance, amt)
	return m.db.Put(vaultKey(id), []byte(balance.String()))
}

// EscrowBalance reports the funds currently held for an escrow.
func (m *Manager) EscrowBalance(id [32]byte) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vaultBalance(id)
}

type storedReceipt struct {
	EscrowID    string `json:"escrowId"`
	PayerRef    string `json:"payerRef"`
	PayeeRef    string `json:"payeeRef"`
	Owner       string `json:"owner"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	Status      uint8  `json:"status"`
	Score       *uint8 `json:"score,omitempty"`
	MintedAt    int64  `json:"mintedAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func encodeReceipt(rec *receipt.Receipt) ([]byte, error) {
	stored := storedReceipt{
		EscrowID:    rec.EscrowID,
		PayerRef:    hex.EncodeToString(rec.PayerRef[:]),
		PayeeRef:    hex.EncodeToString(rec.PayeeRef[:]),
		Owner:       hex.EncodeToString(rec.Owner[:]),
		Amount:      rec.Amount.String(),
		Description: rec.Description,
		Status:      uint8(rec.Status),
		Score:       rec.Score,
		MintedAt:    rec.MintedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	return json.Marshal(stored)
}

func decodeReceipt(raw []byte) (*receipt.Receipt, error) {
	var stored storedReceipt
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode receipt: %w", err)
	}
	rec := &receipt.Receipt{
		EscrowID:    stored.EscrowID,
		Description: stored.Description,
		Status:      receipt.Status(stored.Status),
		Score:       stored.Score,
		MintedAt:    stored.MintedAt,
		UpdatedAt:   stored.UpdatedAt,
	}
	var err error
	if rec.PayerRef, err = decodeFixed20("payerRef", stored.PayerRef); err != nil {
		return nil, err
	}
	if rec.PayeeRef, err = decodeFixed20("payeeRef", stored.PayeeRef); err != nil {
		return nil, err
	}
	if rec.Owner, err = decodeFixed20("owner", stored.Owner); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(stored.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("state: malformed receipt amount %q", stored.Amount)
	}
	rec.Amount = amount
	return rec, nil
}

// ReceiptPut sanitizes and persists a receipt record.
func (m *Manager) ReceiptPut(rec *receipt.Receipt) error {
	sanitized, err := receipt.Sanitize(rec)
	if err != nil {
		return err
	}
	raw, err := encodeReceipt(sanitized)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(receiptKey(sanitized.EscrowID), raw)
}

// ReceiptGet loads a receipt record by its escrow id.
func (m *Manager) ReceiptGet(escrowID string) (*receipt.Receipt, bool) {
	m.mu.RLock()
	raw, err := m.db.Get(receiptKey(escrowID))
	m.mu.RUnlock()
	if err != nil {
		return nil, false
	}
	rec, err := decodeReceipt(raw)
	if err != nil {
		return nil, false
	}
	return rec, true
}
