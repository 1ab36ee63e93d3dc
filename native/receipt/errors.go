package receipt

import "errors"

var (
	// ErrUnauthorizedOracle is returned when an instruction's recovered
	// signer does not match the registered oracle key.
	ErrUnauthorizedOracle = errors.New("receipt: unauthorized oracle")
	// ErrNotFound is returned when no receipt exists for the escrow id.
	ErrNotFound = errors.New("receipt: not found")
	// ErrDuplicateMint is returned when a receipt already exists for the
	// escrow id.
	ErrDuplicateMint = errors.New("receipt: already minted")
	// ErrIllegalStatusRegression is returned when an update would move a
	// settled receipt back towards Active or flip between terminal states.
	ErrIllegalStatusRegression = errors.New("receipt: illegal status regression")
	// ErrScoreAlreadyFinalized is returned when an update carries a score
	// that conflicts with one already recorded.
	ErrScoreAlreadyFinalized = errors.New("receipt: score already finalized")
	// ErrStillSoulbound is returned when a transfer is attempted before
	// the underlying escrow has settled.
	ErrStillSoulbound = errors.New("receipt: still soulbound")
	// ErrNotOwner is returned when a transfer is attempted by anyone but
	// the current owner.
	ErrNotOwner = errors.New("receipt: caller is not the owner")
)
