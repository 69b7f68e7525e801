// Package recorder buffers posture events and tracks elapsed session time.
package recorder

import (
	"sync"

	"github.com/thebtf/postura/pkg/models"
)

// DefaultCapacity is the number of events retained per session.
const DefaultCapacity = 500

// EventLog is a fixed-capacity circular buffer of posture events.
// Once full, each push overwrites the oldest slot. Reads are newest first.
type EventLog struct {
	mu sync.RWMutex

	slots    []models.PostureEvent
	capacity int
	head     int // index of the next write
	size     int

	totalAdded int64 // monotonic count of events ever pushed
}

// NewEventLog creates a log holding at most capacity events.
// A non-positive capacity falls back to DefaultCapacity.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &EventLog{
		slots:    make([]models.PostureEvent, capacity),
		capacity: capacity,
	}
}

// Push appends an event, evicting the oldest one when the log is full.
func (l *EventLog) Push(event models.PostureEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slots[l.head] = event
	l.head = (l.head + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
	l.totalAdded++
}

// Snapshot returns a copy of the retained events, newest first.
func (l *EventLog) Snapshot() []models.PostureEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.PostureEvent, 0, l.size)
	for i := 1; i <= l.size; i++ {
		idx := (l.head - i + l.capacity) % l.capacity
		out = append(out, l.slots[idx])
	}
	return out
}

// Newest returns the most recently pushed event.
func (l *EventLog) Newest() (models.PostureEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return models.PostureEvent{}, false
	}
	return l.slots[(l.head-1+l.capacity)%l.capacity], true
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Capacity returns the retention cap.
func (l *EventLog) Capacity() int {
	return l.capacity
}

// TotalAdded returns how many events were pushed since the last Reset,
// including evicted ones.
func (l *EventLog) TotalAdded() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalAdded
}

// Reset empties the log.
func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.slots)
	l.head = 0
	l.size = 0
	l.totalAdded = 0
}
