package storage

import (
	"sync"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/model"
)

// EventBuffer is a fixed-capacity, thread-safe, in-memory ring of recent
// lifecycle events.
type EventBuffer struct {
	mu       sync.RWMutex
	buf      []model.Event
	capacity int
	head     int // next write position
	count    int // number of valid entries
}

// NewEventBuffer creates a ring holding up to capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventBuffer{
		buf:      make([]model.Event, capacity),
		capacity: capacity,
	}
}

// Insert adds events, overwriting the oldest entries when the ring is full.
func (eb *EventBuffer) Insert(events []model.Event) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, ev := range events {
		eb.buf[eb.head] = ev
		eb.head = (eb.head + 1) % eb.capacity
		if eb.count < eb.capacity {
			eb.count++
		}
	}
	return nil
}

// Recent returns events with timestamps within the last duration d.
// If limit > 0, at most limit events are returned (most recent first).
func (eb *EventBuffer) Recent(d time.Duration, limit int) ([]model.Event, error) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	cutoff := time.Now().Add(-d)
	var result []model.Event

	// Walk backwards from the most recent entry.
	for i := 0; i < eb.count; i++ {
		idx := (eb.head - 1 - i + eb.capacity) % eb.capacity
		ev := eb.buf[idx]
		if ev.Timestamp.Before(cutoff) {
			break
		}
		result = append(result, ev)
		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}

// Last returns up to n most recent events regardless of age, newest first.
func (eb *EventBuffer) Last(n int) []model.Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 || n > eb.count {
		n = eb.count
	}
	result := make([]model.Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (eb.head - 1 - i + eb.capacity) % eb.capacity
		result = append(result, eb.buf[idx])
	}
	return result
}

// Len returns the number of events in the ring.
func (eb *EventBuffer) Len() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.count
}

// Close is a no-op for the in-memory ring (satisfies EventStore).
func (eb *EventBuffer) Close() error {
	return nil
}
