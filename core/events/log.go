package events

import (
	"sync"
	"time"
)

// Entry is an event with its position in the append-only feed.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

// Log is an in-process append-only event feed with monotonically increasing
// sequence numbers. It implements Emitter so the ledger engines can write to
// it directly; consumers poll with Since and track their own cursor.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	nextSeq uint64
	maxSize int
	nowFn   func() int64
}

const defaultLogRetention = 65536

// NewLog constructs a feed retaining up to maxSize entries; zero or negative
// means the default retention.
func NewLog(maxSize int) *Log {
	if maxSize <= 0 {
		maxSize = defaultLogRetention
	}
	return &Log{
		nextSeq: 1,
		maxSize: maxSize,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// Retention reports how many entries the feed keeps in memory.
func (l *Log) Retention() int {
	return l.maxSize
}

// SetNowFunc overrides the timestamp source, primarily for tests.
func (l *Log) SetNowFunc(now func() int64) {
	if now == nil {
		return
	}
	l.mu.Lock()
	l.nowFn = now
	l.mu.Unlock()
}

// Emit appends the event to the feed, assigning the next sequence number.
func (l *Log) Emit(evt *Event) {
	l.Append(evt)
}

// Append stores the event and returns the entry recorded for it, so
// callers can persist the assigned sequence. A nil event returns the
// zero Entry.
func (l *Log) Append(evt *Event) Entry {
	if l == nil || evt == nil {
		return Entry{}
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := Entry{
		Sequence:   l.nextSeq,
		Type:       evt.Type,
		Attributes: attrs,
		Timestamp:  l.nowFn(),
	}
	l.nextSeq++
	l.entries = append(l.entries, entry)
	if overflow := len(l.entries) - l.maxSize; overflow > 0 {
		l.entries = append([]Entry(nil), l.entries[overflow:]...)
	}
	return entry
}

// Restore seeds the feed with previously recorded entries, in sequence
// order. next forces the counter past history the retention already
// trimmed; zero derives it from the last entry instead.
func (l *Log) Restore(entries []Entry, next uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(entries) > l.maxSize {
		entries = entries[len(entries)-l.maxSize:]
	}
	l.entries = append([]Entry(nil), entries...)
	l.nextSeq = next
	if len(entries) > 0 {
		if last := entries[len(entries)-1].Sequence + 1; last > l.nextSeq {
			l.nextSeq = last
		}
	}
	if l.nextSeq == 0 {
		l.nextSeq = 1
	}
}

// Since returns up to limit entries with a sequence greater than after, in
// sequence order. A non-positive limit means no cap.
func (l *Log) Since(after uint64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, limit)
	for _, entry := range l.entries {
		if entry.Sequence <= after {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LastSequence returns the sequence of the most recent entry, or zero when
// the feed is empty.
func (l *Log) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq - 1
}
