package main

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// SyncTask is a unit of reconciliation work derived from a custody
// event. Retries re-enqueue the same task with a NotBefore backoff.
type SyncTask struct {
	OperationID string
	Kind        string
	EscrowID    string
	Event       NodeEvent
	Attempt     int
	NotBefore   time.Time
}

type queuedTask struct {
	task       SyncTask
	enqueuedAt time.Time
}

// SyncQueueOption adjusts the behaviour of the queue.
type SyncQueueOption func(*syncQueueConfig)

type syncQueueConfig struct {
	taskCapacity int
	ttl          time.Duration
	now          func() time.Time
}

const (
	defaultTaskCapacity = 1024
	defaultQueueTTL     = 15 * time.Minute
)

// WithTaskCapacity sets the maximum number of pending sync tasks.
func WithTaskCapacity(capacity int) SyncQueueOption {
	return func(cfg *syncQueueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithQueueTTL configures how long queued tasks remain eligible.
func WithQueueTTL(ttl time.Duration) SyncQueueOption {
	return func(cfg *syncQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withQueueClock overrides the clock used for TTL evaluation (test only).
func withQueueClock(now func() time.Time) SyncQueueOption {
	return func(cfg *syncQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// SyncQueue stores reconciliation tasks prior to delivery. Overflow
// drops the oldest task; dropped work stays pending in the operation
// store and the bridge requeues it on the next startup.
type SyncQueue struct {
	mu      sync.Mutex
	tasks   queueRing[queuedTask]
	ttl     time.Duration
	now     func() time.Time
	metrics *syncQueueMetrics
}

// NewSyncQueue constructs a bounded queue with optional customisation.
func NewSyncQueue(opts ...SyncQueueOption) *SyncQueue {
	cfg := syncQueueConfig{
		taskCapacity: defaultTaskCapacity,
		ttl:          defaultQueueTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &SyncQueue{
		tasks:   newQueueRing[queuedTask](cfg.taskCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: queueMetrics(),
	}
}

// Enqueue adds a task to the queue.
func (q *SyncQueue) Enqueue(task SyncTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if q.tasks.capacity() == 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len reports the number of pending tasks.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	return q.tasks.len()
}

// Dequeue waits for the next task. Returns false if the context is
// cancelled. Tasks with a future NotBefore block until due.
func (q *SyncQueue) Dequeue(ctx context.Context) (SyncTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return SyncTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return SyncTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				q.metrics.recordDropped("ttl", 1)
				continue
			}
		}

		return queued.task, true
	}
}

func (q *SyncQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok {
			break
		}
		if now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{
		buf: make([]T, capacity),
	}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int {
	return r.size
}

func (r *queueRing[T]) capacity() int {
	return len(r.buf)
}

var (
	metricsOnce        sync.Once
	sharedQueueMetrics *syncQueueMetrics
)

type syncQueueMetrics struct {
	dropped metric.Int64Counter
}

func queueMetrics() *syncQueueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("trustmesh/syncd")
		counter, err := meter.Int64Counter("trustmesh.syncd.tasks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("trustmesh/syncd")
			counter, _ = fallback.Int64Counter("trustmesh.syncd.tasks.dropped")
		}
		sharedQueueMetrics = &syncQueueMetrics{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *syncQueueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
