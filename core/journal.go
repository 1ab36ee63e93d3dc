package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"trustmesh/core/events"
	"trustmesh/storage"
)

const eventJournalMetaKey = "events/meta"

func eventJournalKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("events/entry/%020d", seq))
}

type eventJournalMeta struct {
	First uint64 `json:"first"`
	Next  uint64 `json:"next"`
}

// eventJournal mirrors the in-memory event feed into the node's
// key-value store so sequence numbers survive a restart. Consumers
// that track a cursor against the feed would otherwise see it reset
// to one and stall forever.
type eventJournal struct {
	db        storage.Database
	retention int

	mu   sync.Mutex
	meta eventJournalMeta
}

func newEventJournal(db storage.Database, retention int) *eventJournal {
	return &eventJournal{db: db, retention: retention}
}

// load reads back the persisted window of entries and the next
// sequence to hand out. An empty store yields no entries and next
// zero, which the log treats as a fresh feed.
func (j *eventJournal) load() ([]events.Entry, uint64, error) {
	raw, err := j.db.Get([]byte(eventJournalMetaKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal(raw, &j.meta); err != nil {
		return nil, 0, fmt.Errorf("decode event journal meta: %w", err)
	}
	if j.meta.Next < j.meta.First {
		return nil, 0, fmt.Errorf("event journal meta window inverted: %d..%d", j.meta.First, j.meta.Next)
	}
	entries := make([]events.Entry, 0, j.meta.Next-j.meta.First)
	for seq := j.meta.First; seq < j.meta.Next; seq++ {
		raw, err := j.db.Get(eventJournalKey(seq))
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		var entry events.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, 0, fmt.Errorf("decode event %d: %w", seq, err)
		}
		entries = append(entries, entry)
	}
	return entries, j.meta.Next, nil
}

// store writes the entry and advances the persisted window, evicting
// entries the in-memory retention has already dropped.
func (j *eventJournal) store(entry events.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := j.db.Put(eventJournalKey(entry.Sequence), raw); err != nil {
		return err
	}
	if j.meta.First == 0 {
		j.meta.First = entry.Sequence
	}
	j.meta.Next = entry.Sequence + 1
	for j.meta.Next-j.meta.First > uint64(j.retention) {
		if err := j.db.Delete(eventJournalKey(j.meta.First)); err != nil {
			return err
		}
		j.meta.First++
	}
	metaRaw, err := json.Marshal(j.meta)
	if err != nil {
		return err
	}
	return j.db.Put([]byte(eventJournalMetaKey), metaRaw)
}
