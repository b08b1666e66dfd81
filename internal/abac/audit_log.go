package abac

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shrxyeh/Medichain/pkg/abac"
	"github.com/shrxyeh/Medichain/pkg/monitoring"
)

// AuditLog is a bounded, append-only record of access decisions. Once
// capacity is reached the oldest entry is evicted first. Retention is
// in-process only: entries survive eviction only when an EvictionSink is
// configured.
type AuditLog struct {
	mu       sync.Mutex
	ring     []abac.AuditEntry
	head     int
	size     int
	capacity int

	recorded int64
	allowed  int64
	denied   int64
	evicted  int64

	sink        abac.EvictionSink
	sinkQueue   chan []abac.AuditEntry
	sinkTimeout time.Duration
	closed      bool
	drained     sync.WaitGroup

	logger  *logrus.Logger
	metrics *monitoring.MetricsCollector
	now     func() time.Time
}

// AuditOption configures an AuditLog
type AuditOption func(*AuditLog)

// WithAuditClock overrides the timestamp source
func WithAuditClock(now func() time.Time) AuditOption {
	return func(a *AuditLog) { a.now = now }
}

// WithAuditMetrics records audit metrics
func WithAuditMetrics(metrics *monitoring.MetricsCollector) AuditOption {
	return func(a *AuditLog) { a.metrics = metrics }
}

// WithEvictionSink hands evicted entries, oldest first, to sink. buffer
// bounds the number of pending batches; when it is full further evictions
// are dropped and counted.
func WithEvictionSink(sink abac.EvictionSink, buffer int, timeout time.Duration) AuditOption {
	return func(a *AuditLog) {
		if buffer <= 0 {
			buffer = 1
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		a.sink = sink
		a.sinkQueue = make(chan []abac.AuditEntry, buffer)
		a.sinkTimeout = timeout
	}
}

// NewAuditLog creates an audit log retaining at most capacity entries
func NewAuditLog(capacity int, logger *logrus.Logger, opts ...AuditOption) *AuditLog {
	if capacity <= 0 {
		capacity = abac.DefaultAuditCapacity
	}
	a := &AuditLog{
		ring:     make([]abac.AuditEntry, capacity),
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sink != nil {
		a.drained.Add(1)
		go a.drain()
	}
	return a
}

// Record appends an entry, assigning an id and timestamp when missing. It
// always succeeds.
func (a *AuditLog) Record(entry abac.AuditEntry) abac.AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}

	a.mu.Lock()
	var evicted *abac.AuditEntry
	if a.size == a.capacity {
		oldest := a.ring[a.head]
		evicted = &oldest
		a.ring[a.head] = entry
		a.head = (a.head + 1) % a.capacity
		a.evicted++
	} else {
		a.ring[(a.head+a.size)%a.capacity] = entry
		a.size++
	}
	a.recorded++
	if entry.Allowed {
		a.allowed++
	} else {
		a.denied++
	}
	if evicted != nil {
		a.enqueueLocked(*evicted)
	}
	a.mu.Unlock()

	a.metrics.RecordAuditEntry(entry.Allowed)
	if evicted != nil {
		a.metrics.RecordAuditEvictions(1)
	}

	return entry
}

// enqueueLocked must be called with a.mu held so evictions reach the sink
// in the order they left the ring.
func (a *AuditLog) enqueueLocked(entry abac.AuditEntry) {
	if a.sinkQueue == nil || a.closed {
		return
	}
	select {
	case a.sinkQueue <- []abac.AuditEntry{entry}:
	default:
		a.metrics.RecordAuditSinkDropped("queue_full", 1)
		a.logger.WithFields(logrus.Fields{
			"audit_id":   entry.ID,
			"subject_id": entry.SubjectID,
		}).Warn("Audit sink queue full, evicted entry dropped")
	}
}

func (a *AuditLog) drain() {
	defer a.drained.Done()
	for batch := range a.sinkQueue {
		ctx, cancel := context.WithTimeout(context.Background(), a.sinkTimeout)
		if err := a.sink.Persist(ctx, batch); err != nil {
			a.metrics.RecordAuditSinkDropped("persist_failed", len(batch))
			a.logger.WithError(err).WithField("entries", len(batch)).Error("Failed to persist evicted audit entries")
		}
		cancel()
	}
}

// Query returns matching entries in insertion order. A positive Limit keeps
// only the most recent matches.
func (a *AuditLog) Query(filter abac.AuditFilter) []abac.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]abac.AuditEntry, 0)
	for i := 0; i < a.size; i++ {
		entry := &a.ring[(a.head+i)%a.capacity]
		if filter.Matches(entry) {
			out = append(out, *entry)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Stats returns running totals since the log was created
func (a *AuditLog) Stats() abac.AuditStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return abac.AuditStats{
		Recorded: a.recorded,
		Allowed:  a.allowed,
		Denied:   a.denied,
		Evicted:  a.evicted,
		Retained: a.size,
		Capacity: a.capacity,
	}
}

// Close stops accepting sink work and waits for pending batches to be
// persisted or ctx to end.
func (a *AuditLog) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed || a.sinkQueue == nil {
		a.closed = true
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.sinkQueue)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.drained.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
