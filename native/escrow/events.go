package escrow

import (
	"encoding/hex"
	"strconv"
	"strings"

	"trustmesh/core/events"
)

const (
	EventTypeCreated   = "escrow.created"
	EventTypeDeposited = "escrow.deposited"
	EventTypeReleased  = "escrow.released"
	EventTypeDisputed  = "escrow.disputed"
	EventTypeRefunded  = "escrow.refunded"
	EventTypeResolved  = "escrow.resolved"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeCreated, e) }

// NewDepositedEvent returns the payload emitted when the payer funds the
// escrow.
func NewDepositedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeDeposited, e) }

// NewReleasedEvent returns the payload for a release of custody funds to the
// payee.
func NewReleasedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeReleased, e) }

// NewRefundedEvent returns the payload for a refund of custody funds to the
// payer.
func NewRefundedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeRefunded, e) }

// NewDisputedEvent returns the payload emitted when a party raises a dispute.
func NewDisputedEvent(e *Escrow, disputant [20]byte, reason string) *events.Event {
	evt := newEscrowEvent(EventTypeDisputed, e)
	evt.Attributes["disputant"] = hex.EncodeToString(disputant[:])
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		evt.Attributes["reason"] = trimmed
	}
	return evt
}

// NewResolvedEvent returns the payload emitted when the arbiter settles a
// disputed escrow.
func NewResolvedEvent(e *Escrow, outcome string) *events.Event {
	evt := newEscrowEvent(EventTypeResolved, e)
	if trimmed := strings.TrimSpace(outcome); trimmed != "" {
		evt.Attributes["outcome"] = trimmed
	}
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *events.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &events.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := Sanitize(e)
	if err != nil {
		return &events.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["payer"] = hex.EncodeToString(sanitized.Payer[:])
	attrs["payee"] = hex.EncodeToString(sanitized.Payee[:])
	attrs["arbiter"] = hex.EncodeToString(sanitized.Arbiter[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["deadline"] = strconv.FormatInt(sanitized.Deadline, 10)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["status"] = sanitized.Status.String()
	if sanitized.Description != "" {
		attrs["description"] = sanitized.Description
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}
