package events

import (
	"strconv"
	"sync"
	"testing"
)

func TestLogAssignsMonotonicSequences(t *testing.T) {
	log := NewLog(0)
	log.SetNowFunc(func() int64 { return 1700000000 })

	log.Emit(&Event{Type: "escrow.created", Attributes: map[string]string{"id": "a"}})
	log.Emit(&Event{Type: "escrow.deposited", Attributes: map[string]string{"id": "a"}})
	log.Emit(&Event{Type: "escrow.released", Attributes: map[string]string{"id": "a"}})

	entries := log.Since(0, 0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Sequence != uint64(i+1) {
			t.Fatalf("entry %d: expected sequence %d, got %d", i, i+1, entry.Sequence)
		}
		if entry.Timestamp != 1700000000 {
			t.Fatalf("entry %d: unexpected timestamp %d", i, entry.Timestamp)
		}
	}
	if got := log.LastSequence(); got != 3 {
		t.Fatalf("expected last sequence 3, got %d", got)
	}
}

func TestLogSincePaging(t *testing.T) {
	log := NewLog(0)
	for i := 0; i < 10; i++ {
		log.Emit(&Event{Type: "escrow.created", Attributes: map[string]string{"n": strconv.Itoa(i)}})
	}

	page := log.Since(3, 4)
	if len(page) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(page))
	}
	if page[0].Sequence != 4 || page[3].Sequence != 7 {
		t.Fatalf("unexpected page bounds: %d..%d", page[0].Sequence, page[3].Sequence)
	}

	tail := log.Since(9, 0)
	if len(tail) != 1 || tail[0].Sequence != 10 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	if got := log.Since(10, 0); len(got) != 0 {
		t.Fatalf("expected empty slice past the head, got %d entries", len(got))
	}
}

func TestLogRetentionDropsOldestButKeepsSequences(t *testing.T) {
	log := NewLog(3)
	for i := 0; i < 5; i++ {
		log.Emit(&Event{Type: "escrow.created"})
	}

	entries := log.Since(0, 0)
	if len(entries) != 3 {
		t.Fatalf("expected retention of 3, got %d", len(entries))
	}
	if entries[0].Sequence != 3 || entries[2].Sequence != 5 {
		t.Fatalf("unexpected retained range: %d..%d", entries[0].Sequence, entries[2].Sequence)
	}
	if got := log.LastSequence(); got != 5 {
		t.Fatalf("expected last sequence 5 after trim, got %d", got)
	}
}

func TestLogCopiesAttributes(t *testing.T) {
	log := NewLog(0)
	attrs := map[string]string{"id": "a"}
	log.Emit(&Event{Type: "escrow.created", Attributes: attrs})
	attrs["id"] = "mutated"

	entries := log.Since(0, 0)
	if entries[0].Attributes["id"] != "a" {
		t.Fatalf("log entry shares caller's attribute map")
	}
}

func TestLogConcurrentEmit(t *testing.T) {
	log := NewLog(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				log.Emit(&Event{Type: "escrow.created"})
			}
		}()
	}
	wg.Wait()

	if got := log.LastSequence(); got != 400 {
		t.Fatalf("expected 400 emits, got %d", got)
	}
	seen := make(map[uint64]bool)
	for _, entry := range log.Since(0, 0) {
		if seen[entry.Sequence] {
			t.Fatalf("duplicate sequence %d", entry.Sequence)
		}
		seen[entry.Sequence] = true
	}
}
