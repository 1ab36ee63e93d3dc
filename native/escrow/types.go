package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states supported by the custody engine.
type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusFunded
	StatusDisputed
	StatusReleased
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusDisputed, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusDisputed:
		return "disputed"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus converts the canonical lowercase name back into a Status.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created":
		return StatusCreated, nil
	case "funded":
		return StatusFunded, nil
	case "disputed":
		return StatusDisputed, nil
	case "released":
		return StatusReleased, nil
	case "refunded":
		return StatusRefunded, nil
	default:
		return 0, fmt.Errorf("unknown escrow status: %s", raw)
	}
}

// Escrow captures the immutable metadata and runtime status of a single
// custody agreement. The identifier is the keccak256 hash of the payer, payee
// and a caller-supplied nonce, ensuring deterministic IDs without storing the
// nonce itself.
type Escrow struct {
	ID          [32]byte
	Payer       [20]byte
	Payee       [20]byte
	Arbiter     [20]byte
	Amount      *big.Int
	Deadline    int64
	Description string
	Disputed    bool
	Status      Status
	CreatedAt   int64
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Sanitize validates the supplied escrow definition and returns a cloned
// instance with a non-nil amount field. It does not mutate the original.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.Payer == ([20]byte{}) || clone.Payee == ([20]byte{}) || clone.Arbiter == ([20]byte{}) {
		return nil, fmt.Errorf("escrow parties must be set")
	}
	if clone.Disputed && clone.Status == StatusCreated {
		return nil, fmt.Errorf("unfunded escrow cannot be disputed")
	}
	return clone, nil
}
