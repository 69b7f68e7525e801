package recorder

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/postura/pkg/models"
)

// Gate reports whether a session is currently accepting events.
// The recorder and the session clock share only this flag.
type Gate interface {
	IsActive() bool
}

// GateFunc adapts a plain function to Gate.
type GateFunc func() bool

// IsActive implements Gate.
func (f GateFunc) IsActive() bool { return f() }

// Recorder appends detector classifications to the session log while the gate is open.
type Recorder struct {
	mu sync.Mutex // orders gate checks against Begin and Snapshot

	log  *EventLog
	gate Gate
	now  func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithCapacity overrides the log capacity.
func WithCapacity(capacity int) Option {
	return func(r *Recorder) { r.log = NewEventLog(capacity) }
}

// New creates a recorder guarded by gate.
func New(gate Gate, opts ...Option) *Recorder {
	r := &Recorder{
		log:  NewEventLog(DefaultCapacity),
		gate: gate,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin clears the log for a new session.
func (r *Recorder) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Reset()
}

// Record stamps and stores a classification. It returns false and leaves the
// log untouched when the session is not active. The gate is checked under
// the same lock as the push, so once the gate closes a later Snapshot
// cannot be joined by a stray event.
func (r *Recorder) Record(status models.PostureStatus, details *models.PostureDetails) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gate == nil || !r.gate.IsActive() {
		log.Debug().Str("status", string(status)).Msg("Dropping posture event, session inactive")
		return false
	}

	var tag *models.PostureDetails
	if details != nil {
		d := *details
		tag = &d
	}

	r.log.Push(models.PostureEvent{
		Timestamp: r.now(),
		Status:    status,
		Details:   tag,
	})
	return true
}

// Snapshot returns a copy of the recorded events, newest first.
func (r *Recorder) Snapshot() []models.PostureEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Snapshot()
}

// Len returns the number of retained events.
func (r *Recorder) Len() int {
	return r.log.Len()
}

// Log exposes the underlying event log.
func (r *Recorder) Log() *EventLog {
	return r.log
}
