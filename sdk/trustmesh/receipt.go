package trustmesh

import "context"

// Receipt mirrors the attestation ledger's JSON view of a receipt.
type Receipt struct {
	EscrowID       string `json:"escrowId"`
	PayerRef       string `json:"payerRef"`
	PayeeRef       string `json:"payeeRef"`
	Owner          string `json:"owner"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status"`
	Score          *uint8 `json:"score,omitempty"`
	TransferLocked bool   `json:"transferLocked"`
	MintedAt       int64  `json:"mintedAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// MintReceiptRequest is an oracle-signed mint instruction. Signature is
// the hex-encoded recoverable signature over the mint digest.
type MintReceiptRequest struct {
	EscrowID    string `json:"escrowId"`
	PayerRef    string `json:"payerRef"`
	PayeeRef    string `json:"payeeRef"`
	Owner       string `json:"owner,omitempty"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	Signature   string `json:"signature"`
}

// MintReceipt mints a soulbound receipt on the attestation ledger.
func (c *Client) MintReceipt(ctx context.Context, req MintReceiptRequest) (*Receipt, error) {
	var result Receipt
	if err := c.call(ctx, "receipt_mint", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateReceiptStatusRequest is an oracle-signed status instruction.
type UpdateReceiptStatusRequest struct {
	EscrowID  string `json:"escrowId"`
	Status    string `json:"status"`
	Score     *uint8 `json:"score,omitempty"`
	Signature string `json:"signature"`
}

// UpdateReceiptStatus settles or disputes a receipt.
func (c *Client) UpdateReceiptStatus(ctx context.Context, req UpdateReceiptStatusRequest) (*Receipt, error) {
	var result Receipt
	if err := c.call(ctx, "receipt_updateStatus", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type receiptTransferParams struct {
	EscrowID string `json:"escrowId"`
	Caller   string `json:"caller"`
	To       string `json:"to"`
}

// TransferReceipt moves a settled receipt to a new owner. Fails with a
// "soulbound" error while the receipt is still active.
func (c *Client) TransferReceipt(ctx context.Context, escrowID, caller, to string) (*Receipt, error) {
	var result Receipt
	if err := c.call(ctx, "receipt_transfer", receiptTransferParams{EscrowID: escrowID, Caller: caller, To: to}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type receiptIDParams struct {
	EscrowID string `json:"escrowId"`
}

// GetReceipt fetches the receipt mirroring the given escrow.
func (c *Client) GetReceipt(ctx context.Context, escrowID string) (*Receipt, error) {
	var result Receipt
	if err := c.call(ctx, "receipt_get", receiptIDParams{EscrowID: escrowID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Event is an entry from the combined ledger feed.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

type syncEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit,omitempty"`
}

type syncEventsResult struct {
	Events []Event `json:"events"`
	Latest uint64  `json:"latest"`
}

// Events pages through the ledger feed starting after the given
// sequence. Latest reports the feed head so callers can tell when they
// have caught up.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]Event, uint64, error) {
	var result syncEventsResult
	if err := c.call(ctx, "sync_events", syncEventsParams{After: after, Limit: limit}, &result); err != nil {
		return nil, 0, err
	}
	return result.Events, result.Latest, nil
}

type syncStatusResult struct {
	LatestSequence uint64 `json:"latestSequence"`
}

// LatestSequence returns the head of the ledger feed.
func (c *Client) LatestSequence(ctx context.Context) (uint64, error) {
	var result syncStatusResult
	if err := c.call(ctx, "sync_status", nil, &result); err != nil {
		return 0, err
	}
	return result.LatestSequence, nil
}
