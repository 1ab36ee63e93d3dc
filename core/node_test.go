package core

import (
	"math/big"
	"strconv"
	"testing"

	"trustmesh/storage"
)

func emitCreateAndDeposit(t *testing.T, n *Node, nonce string) {
	t.Helper()
	payer := [20]byte{0x01}
	payee := [20]byte{0x02}
	arbiter := [20]byte{0x03}
	esc, err := n.Escrow().Create(payer, payee, arbiter, big.NewInt(1000), 1_800_000_000, "", nonce)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := n.Escrow().Deposit(esc.ID, payer, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestNodeEventFeedSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()

	node, err := NewNode(db, Options{})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	emitCreateAndDeposit(t, node, "n1")
	if got := node.LastEventSequence(); got != 2 {
		t.Fatalf("expected sequence 2 before restart, got %d", got)
	}

	// A consumer that saw everything holds cursor 2. Rebuilding the
	// node on the same store must not hand out sequences below it.
	reopened, err := NewNode(db, Options{})
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	if got := reopened.LastEventSequence(); got != 2 {
		t.Fatalf("expected sequence 2 after restart, got %d", got)
	}

	history := reopened.EventsSince(0, 0)
	if len(history) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(history))
	}
	if history[0].Type != "escrow.created" || history[1].Type != "escrow.deposited" {
		t.Fatalf("unexpected replayed events: %+v", history)
	}

	emitCreateAndDeposit(t, reopened, "n2")
	fresh := reopened.EventsSince(2, 0)
	if len(fresh) != 2 {
		t.Fatalf("expected 2 events past the old cursor, got %d", len(fresh))
	}
	if fresh[0].Sequence != 3 || fresh[1].Sequence != 4 {
		t.Fatalf("sequences did not continue: %d, %d", fresh[0].Sequence, fresh[1].Sequence)
	}
}

func TestNodeEventJournalHonorsRetention(t *testing.T) {
	db := storage.NewMemDB()

	node, err := NewNode(db, Options{EventRetention: 3})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	for i := 0; i < 3; i++ {
		emitCreateAndDeposit(t, node, strconv.Itoa(i))
	}

	reopened, err := NewNode(db, Options{EventRetention: 3})
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	if got := reopened.LastEventSequence(); got != 6 {
		t.Fatalf("expected sequence 6 after restart, got %d", got)
	}
	history := reopened.EventsSince(0, 0)
	if len(history) != 3 {
		t.Fatalf("expected retention of 3 replayed events, got %d", len(history))
	}
	if history[0].Sequence != 4 || history[2].Sequence != 6 {
		t.Fatalf("unexpected retained range: %d..%d", history[0].Sequence, history[2].Sequence)
	}

	if err := reopened.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
