package trustmesh

import "context"

// Escrow mirrors the custody ledger's JSON view of an agreement.
type Escrow struct {
	ID          string `json:"id"`
	Payer       string `json:"payer"`
	Payee       string `json:"payee"`
	Arbiter     string `json:"arbiter"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
	Description string `json:"description,omitempty"`
	Disputed    bool   `json:"disputed"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
}

// CreateEscrowRequest captures the parameters for a new agreement.
// Amount is a positive decimal integer string; Nonce is a hex string
// that makes the derived escrow id unique per party pair.
type CreateEscrowRequest struct {
	Payer       string `json:"payer"`
	Payee       string `json:"payee"`
	Arbiter     string `json:"arbiter"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
	Description string `json:"description,omitempty"`
	Nonce       string `json:"nonce"`
}

type escrowIDResult struct {
	ID string `json:"id"`
}

// CreateEscrow registers a new agreement and returns its derived id.
func (c *Client) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (string, error) {
	var result escrowIDResult
	if err := c.call(ctx, "escrow_create", req, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

type escrowDepositParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Value  string `json:"value"`
}

// Deposit funds the escrow. Only the payer may call it and the value
// must cover the agreed amount; only the agreed amount is credited to
// the vault.
func (c *Client) Deposit(ctx context.Context, id, caller, value string) error {
	return c.call(ctx, "escrow_deposit", escrowDepositParams{ID: id, Caller: caller, Value: value}, nil)
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

// Release pays the funded amount out to the payee.
func (c *Client) Release(ctx context.Context, id, caller string) error {
	return c.call(ctx, "escrow_release", escrowActorParams{ID: id, Caller: caller}, nil)
}

// Refund returns the funded amount to the payer.
func (c *Client) Refund(ctx context.Context, id, caller string) error {
	return c.call(ctx, "escrow_refund", escrowActorParams{ID: id, Caller: caller}, nil)
}

type escrowDisputeParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Reason string `json:"reason,omitempty"`
}

// Dispute freezes a funded escrow until the arbiter resolves it.
func (c *Client) Dispute(ctx context.Context, id, caller, reason string) error {
	return c.call(ctx, "escrow_dispute", escrowDisputeParams{ID: id, Caller: caller, Reason: reason}, nil)
}

type escrowResolveParams struct {
	ID      string `json:"id"`
	Caller  string `json:"caller"`
	Outcome string `json:"outcome"`
}

// Resolve settles a disputed escrow. Outcome is "release" or "refund"
// and only the arbiter may call it.
func (c *Client) Resolve(ctx context.Context, id, caller, outcome string) error {
	return c.call(ctx, "escrow_resolve", escrowResolveParams{ID: id, Caller: caller, Outcome: outcome}, nil)
}

type escrowIDParams struct {
	ID string `json:"id"`
}

// GetEscrow fetches the current state of an agreement.
func (c *Client) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	var result Escrow
	if err := c.call(ctx, "escrow_get", escrowIDParams{ID: id}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type escrowBalanceResult struct {
	ID      string `json:"id"`
	Balance string `json:"balance"`
}

// EscrowBalance reports the funds currently held in custody for the
// escrow.
func (c *Client) EscrowBalance(ctx context.Context, id string) (string, error) {
	var result escrowBalanceResult
	if err := c.call(ctx, "escrow_balance", escrowIDParams{ID: id}, &result); err != nil {
		return "", err
	}
	return result.Balance, nil
}
