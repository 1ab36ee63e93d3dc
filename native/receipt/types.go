package receipt

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Status mirrors the custody side of an escrow onto its attestation
// receipt. A receipt starts Active and settles into exactly one of the
// terminal states.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusReleased
	StatusDisputed
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusReleased, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the receipt has reached a settled state and
// may no longer change status.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusDisputed
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusReleased:
		return "released"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive, nil
	case "released":
		return StatusReleased, nil
	case "disputed":
		return StatusDisputed, nil
	default:
		return 0, fmt.Errorf("receipt: unknown status %q", raw)
	}
}

// Receipt is the soulbound attestation minted for a single escrow. The
// escrow identifier is opaque here; this ledger never inspects it beyond
// using it as the primary key.
type Receipt struct {
	EscrowID    string
	PayerRef    [20]byte
	PayeeRef    [20]byte
	Owner       [20]byte
	Amount      *big.Int
	Description string
	Status      Status
	Score       *uint8
	MintedAt    int64
	UpdatedAt   int64
}

// TransferLocked reports whether the receipt is still bound to its
// owner. The lock lifts only once the underlying escrow settles.
func (r *Receipt) TransferLocked() bool {
	return !r.Status.Terminal()
}

func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	if r.Score != nil {
		score := *r.Score
		clone.Score = &score
	}
	return &clone
}

// Sanitize normalises a receipt before persistence and rejects records
// that violate the ledger's structural invariants.
func Sanitize(r *Receipt) (*Receipt, error) {
	if r == nil {
		return nil, errors.New("receipt: nil record")
	}
	clone := r.Clone()
	clone.EscrowID = strings.TrimSpace(clone.EscrowID)
	if clone.EscrowID == "" {
		return nil, errors.New("receipt: missing escrow id")
	}
	if clone.Amount == nil || clone.Amount.Sign() <= 0 {
		return nil, errors.New("receipt: amount must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("receipt: invalid status %d", clone.Status)
	}
	var zero [20]byte
	if clone.PayerRef == zero || clone.PayeeRef == zero {
		return nil, errors.New("receipt: payer and payee references are required")
	}
	if clone.Owner == zero {
		return nil, errors.New("receipt: owner is required")
	}
	if clone.Score != nil && *clone.Score > 100 {
		return nil, fmt.Errorf("receipt: score %d out of range", *clone.Score)
	}
	return clone, nil
}
