package escrow

import "errors"

// Validation failures returned by the custody engine. All are synchronous and
// non-retryable: a rejected precondition aborts the operation with no state
// change, and the caller must correct the request.
var (
	// ErrUnauthorized indicates the caller is not in the allowed set for the
	// operation.
	ErrUnauthorized = errors.New("escrow: caller not authorized")
	// ErrInvalidState indicates the operation is not legal from the escrow's
	// current status.
	ErrInvalidState = errors.New("escrow: operation not legal in current state")
	// ErrInsufficientAmount indicates the deposited value is below the agreed
	// escrow amount.
	ErrInsufficientAmount = errors.New("escrow: insufficient deposit amount")
	// ErrAlreadyDisputed indicates the escrow has been flagged and the
	// operation requires an undisputed escrow.
	ErrAlreadyDisputed = errors.New("escrow: already disputed")
	// ErrNotDisputed indicates the operation requires a disputed escrow.
	ErrNotDisputed = errors.New("escrow: not disputed")
	// ErrNotFound indicates the escrow identifier is unknown.
	ErrNotFound = errors.New("escrow: escrow not found")
	// ErrDuplicateCreate indicates the derived identifier already exists.
	ErrDuplicateCreate = errors.New("escrow: identifier already exists")
	// ErrInvalidOutcome indicates an unsupported dispute resolution outcome.
	ErrInvalidOutcome = errors.New("escrow: invalid resolution outcome")
)
