package events

// Event is a structured state change emitted by one of the ledgers. The
// attribute map carries string-encoded payload fields so downstream consumers
// (RPC feed, synchronizer) never depend on ledger-internal types.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, the
// synchronizer's event feed).
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}
