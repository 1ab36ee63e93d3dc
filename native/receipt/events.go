package receipt

import (
	"encoding/hex"
	"strconv"

	"trustmesh/core/events"
)

const (
	EventTypeMinted        = "receipt.minted"
	EventTypeStatusUpdated = "receipt.status_updated"
	EventTypeTransferred   = "receipt.transferred"
)

func newReceiptEvent(eventType string, r *Receipt) *events.Event {
	attrs := map[string]string{
		"escrowId":  r.EscrowID,
		"payerRef":  hex.EncodeToString(r.PayerRef[:]),
		"payeeRef":  hex.EncodeToString(r.PayeeRef[:]),
		"owner":     hex.EncodeToString(r.Owner[:]),
		"amount":    r.Amount.String(),
		"status":    r.Status.String(),
		"mintedAt":  strconv.FormatInt(r.MintedAt, 10),
		"updatedAt": strconv.FormatInt(r.UpdatedAt, 10),
	}
	if r.Score != nil {
		attrs["score"] = strconv.FormatUint(uint64(*r.Score), 10)
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}

func NewMintedEvent(r *Receipt) *events.Event {
	return newReceiptEvent(EventTypeMinted, r)
}

func NewStatusUpdatedEvent(r *Receipt, previous Status) *events.Event {
	evt := newReceiptEvent(EventTypeStatusUpdated, r)
	evt.Attributes["previousStatus"] = previous.String()
	return evt
}

func NewTransferredEvent(r *Receipt, from [20]byte) *events.Event {
	evt := newReceiptEvent(EventTypeTransferred, r)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	return evt
}
