package core

import (
	"errors"
	"fmt"
	"log/slog"

	"trustmesh/core/events"
	"trustmesh/core/state"
	"trustmesh/native/escrow"
	"trustmesh/native/receipt"
	"trustmesh/observability"
	"trustmesh/storage"
)

// meteredEmitter forwards events to the log, journals them to disk and
// counts them by type.
type meteredEmitter struct {
	log     *events.Log
	journal *eventJournal
	logger  *slog.Logger
}

func (m meteredEmitter) Emit(evt *events.Event) {
	if evt == nil {
		return
	}
	entry := m.log.Append(evt)
	if err := m.journal.store(entry); err != nil {
		m.logger.Error("persist ledger event", "type", entry.Type, "sequence", entry.Sequence, "error", err)
	}
	observability.Events().RecordLedgerEvent(evt.Type)
}

// Node wires the persistent state manager, the event log and both
// ledger engines into a single unit. Everything the RPC layer serves
// hangs off a Node.
type Node struct {
	db    storage.Database
	state *state.Manager
	log   *events.Log

	escrowEngine  *escrow.Engine
	receiptEngine *receipt.Engine
}

// Options tune node construction. Zero values give a node with default
// event retention and no oracle registered.
type Options struct {
	// EventRetention caps the in-memory event log. Zero selects the
	// default retention.
	EventRetention int
	// Oracle is the key allowed to drive the receipt ledger.
	Oracle [20]byte
	// RequireDistinctParties rejects escrows where any two of payer,
	// payee and arbiter coincide.
	RequireDistinctParties bool
}

func NewNode(db storage.Database, opts Options) (*Node, error) {
	if db == nil {
		return nil, errors.New("core: storage database is required")
	}
	mgr := state.NewManager(db)
	log := events.NewLog(opts.EventRetention)

	journal := newEventJournal(db, log.Retention())
	entries, next, err := journal.load()
	if err != nil {
		return nil, fmt.Errorf("core: restore event feed: %w", err)
	}
	log.Restore(entries, next)

	emitter := meteredEmitter{log: log, journal: journal, logger: slog.Default()}

	escrowEngine := escrow.NewEngine()
	escrowEngine.SetState(mgr)
	escrowEngine.SetEmitter(emitter)
	escrowEngine.SetRequireDistinctParties(opts.RequireDistinctParties)

	receiptEngine := receipt.NewEngine()
	receiptEngine.SetState(mgr)
	receiptEngine.SetEmitter(emitter)
	receiptEngine.SetOracle(opts.Oracle)

	return &Node{
		db:            db,
		state:         mgr,
		log:           log,
		escrowEngine:  escrowEngine,
		receiptEngine: receiptEngine,
	}, nil
}

// Escrow exposes the custody engine.
func (n *Node) Escrow() *escrow.Engine { return n.escrowEngine }

// Receipt exposes the attestation engine.
func (n *Node) Receipt() *receipt.Engine { return n.receiptEngine }

// State exposes the shared state manager.
func (n *Node) State() *state.Manager { return n.state }

// EventsSince returns up to limit events with sequence numbers greater
// than after. Consumers poll this to tail the combined ledger feed.
func (n *Node) EventsSince(after uint64, limit int) []events.Entry {
	return n.log.Since(after, limit)
}

// LastEventSequence reports the sequence number of the newest event.
func (n *Node) LastEventSequence() uint64 {
	return n.log.LastSequence()
}

// Close releases the underlying storage.
func (n *Node) Close() error {
	return n.db.Close()
}
