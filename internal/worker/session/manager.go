// Package session ties a live media session to its posture recorder, clock,
// record store and report assembly.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/postura/internal/detection"
	"github.com/thebtf/postura/internal/media"
	"github.com/thebtf/postura/internal/recorder"
	"github.com/thebtf/postura/internal/report"
	"github.com/thebtf/postura/pkg/models"
)

var (
	// ErrSessionActive is returned by Start while a session is connecting or connected.
	ErrSessionActive = errors.New("a session is already running")
	// ErrNoSession is returned by Stop when nothing was started.
	ErrNoSession = errors.New("no session to stop")
	// ErrNotRecording is returned when an event arrives while no session is connected.
	ErrNotRecording = errors.New("session is not recording")
)

// MediaSession is the part of media.Session the manager drives.
type MediaSession interface {
	Start(ctx context.Context) error
	Stop()
	State() media.ConnectionState
	IsActive() bool
}

// SessionFactory creates a media session for endpointID wired to handlers.
type SessionFactory func(endpointID string, handlers media.Handlers) MediaSession

// RecordStore persists finished sessions.
type RecordStore interface {
	SaveSessionRecord(ctx context.Context, rec models.SessionRecord, endpointID string) (*models.SessionRecord, error)
}

// Status is a snapshot of the manager for the status endpoint.
type Status struct {
	EndpointID     string    `json:"endpoint_id,omitempty"`
	State          string    `json:"state"`
	Active         bool      `json:"active"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	EventCount     int       `json:"event_count"`
	StartedAt      time.Time `json:"started_at"`
}

// Manager runs at most one posture session at a time.
type Manager struct {
	newSession SessionFactory
	store      RecordStore
	assembler  *report.Assembler
	recorder   *recorder.Recorder
	clock      *recorder.SessionClock

	mu         sync.Mutex
	current    MediaSession
	endpointID string
	startedAt  time.Time
	starting   bool
	lastReport *models.Report

	onEvent  func(models.PostureEvent)
	onState  func(endpointID string, from, to media.ConnectionState)
	onReport func(*models.Report)

	started metric.Int64Counter
	failed  metric.Int64Counter
	events  metric.Int64Counter
	reports metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall-clock session timer.
func WithClock(c *recorder.SessionClock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogCapacity sets how many events a session keeps.
func WithLogCapacity(n int) Option {
	return func(m *Manager) {
		m.recorder = recorder.New(recorder.GateFunc(m.isActive), recorder.WithCapacity(n))
	}
}

// NewManager creates a manager. store may be nil, in which case reports are not persisted.
func NewManager(factory SessionFactory, store RecordStore, assembler *report.Assembler, opts ...Option) *Manager {
	m := &Manager{
		newSession: factory,
		store:      store,
		assembler:  assembler,
		clock:      recorder.NewSessionClock(),
	}
	m.recorder = recorder.New(recorder.GateFunc(m.isActive))
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m
}

func (m *Manager) initMetrics() {
	meter := otel.Meter("github.com/thebtf/postura/internal/worker/session")

	var err error
	if m.started, err = meter.Int64Counter("postura.sessions.started",
		metric.WithDescription("Media sessions that reached connected")); err != nil {
		log.Warn().Err(err).Msg("Failed to create sessions.started counter")
	}
	if m.failed, err = meter.Int64Counter("postura.sessions.failed",
		metric.WithDescription("Media session start failures by reason")); err != nil {
		log.Warn().Err(err).Msg("Failed to create sessions.failed counter")
	}
	if m.events, err = meter.Int64Counter("postura.events.recorded",
		metric.WithDescription("Posture events accepted into a session log")); err != nil {
		log.Warn().Err(err).Msg("Failed to create events.recorded counter")
	}
	if m.reports, err = meter.Int64Counter("postura.reports.built",
		metric.WithDescription("Reports assembled from stopped sessions")); err != nil {
		log.Warn().Err(err).Msg("Failed to create reports.built counter")
	}
}

func addCount(c metric.Int64Counter, ctx context.Context, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SetOnEvent sets the callback for each recorded posture event.
func (m *Manager) SetOnEvent(fn func(models.PostureEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// SetOnStateChange sets the callback for media session state changes.
func (m *Manager) SetOnStateChange(fn func(endpointID string, from, to media.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// SetOnReport sets the callback for reports built on stop.
func (m *Manager) SetOnReport(fn func(*models.Report)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReport = fn
}

func (m *Manager) isActive() bool {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	return cur != nil && cur.IsActive()
}

func (m *Manager) handlers(endpointID string) media.Handlers {
	return media.Handlers{
		OnDetection: func(r detection.Result) {
			m.record(r.Status, r.Details)
		},
		OnStateChange: func(from, to media.ConnectionState) {
			switch to {
			case media.StateConnected:
				m.clock.Reset()
				m.clock.Start()
			case media.StateFailed, media.StateClosed:
				m.clock.Stop()
			}

			m.mu.Lock()
			fn := m.onState
			m.mu.Unlock()
			if fn != nil {
				fn(endpointID, from, to)
			}
		},
		OnStopped: func() {
			m.clock.Stop()
			log.Info().Str("endpoint", endpointID).Int("elapsed", m.clock.Elapsed()).Msg("Posture session ended")
		},
	}
}

// Start connects a session for endpointID and begins recording once connected.
// A failed session for the same endpoint is restarted in place.
func (m *Manager) Start(ctx context.Context, endpointID string) error {
	m.mu.Lock()
	if m.starting {
		m.mu.Unlock()
		return ErrSessionActive
	}

	var stale MediaSession
	sess := m.current
	if sess != nil {
		switch st := sess.State(); {
		case st == media.StateConnecting || st == media.StateConnected:
			m.mu.Unlock()
			return ErrSessionActive
		case st == media.StateFailed && m.endpointID == endpointID:
			// restart in place
		default:
			stale = sess
			sess = nil
		}
	}
	if sess == nil {
		sess = m.newSession(endpointID, m.handlers(endpointID))
	}
	m.current = sess
	m.endpointID = endpointID
	m.starting = true
	m.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}

	m.recorder.Begin()
	m.clock.Stop()
	m.clock.Reset()

	err := sess.Start(ctx)

	m.mu.Lock()
	m.starting = false
	if err == nil {
		m.startedAt = time.Now()
	}
	m.mu.Unlock()

	if err != nil {
		addCount(m.failed, ctx, attribute.String("reason", failureReason(err)))
		return err
	}
	addCount(m.started, ctx)
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, media.ErrCaptureUnavailable):
		return "capture"
	case errors.Is(err, media.ErrConnectionFailed):
		return "connection"
	case errors.Is(err, media.ErrSessionStopped):
		return "stopped"
	default:
		return "other"
	}
}

// Stop ends the current session and returns its report. The report is
// persisted when a store is configured; a storage failure is logged and
// the report is still returned without an id.
func (m *Manager) Stop(ctx context.Context) (*models.Report, error) {
	m.mu.Lock()
	sess, endpointID := m.current, m.endpointID
	if sess == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	m.current = nil
	m.mu.Unlock()

	sess.Stop()
	m.clock.Stop()

	rec := models.SessionRecord{
		Events:          models.PostureEvents(m.recorder.Snapshot()),
		DurationSeconds: float64(m.clock.Elapsed()),
		RecordedAt:      time.Now(),
	}

	if m.store != nil {
		saved, err := m.store.SaveSessionRecord(ctx, rec, endpointID)
		if err != nil {
			log.Error().Err(err).Str("endpoint", endpointID).Msg("Failed to persist session record")
		} else {
			rec = *saved
		}
	}

	rep, err := m.assembler.Assemble(ctx, report.Request{Session: &report.SessionInput{
		ID:              rec.ID,
		Events:          rec.Events,
		DurationSeconds: rec.DurationSeconds,
		RecordedAt:      rec.RecordedAt,
	}})
	if err != nil {
		return nil, fmt.Errorf("build session report: %w", err)
	}
	addCount(m.reports, ctx)

	m.mu.Lock()
	m.lastReport = rep
	fn := m.onReport
	m.mu.Unlock()
	if fn != nil {
		fn(rep)
	}
	return rep, nil
}

// Record appends a posture event pushed by an external detector.
func (m *Manager) Record(status models.PostureStatus, details *models.PostureDetails) error {
	if !m.record(status, details) {
		return ErrNotRecording
	}
	return nil
}

func (m *Manager) record(status models.PostureStatus, details *models.PostureDetails) bool {
	if !m.recorder.Record(status, details) {
		return false
	}
	addCount(m.events, context.Background(), attribute.String("status", string(status)))

	m.mu.Lock()
	fn := m.onEvent
	m.mu.Unlock()
	if fn != nil {
		if ev, ok := m.recorder.Log().Newest(); ok {
			fn(ev)
		}
	}
	return true
}

// Status returns the current session snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	sess, endpointID, startedAt := m.current, m.endpointID, m.startedAt
	m.mu.Unlock()

	st := Status{State: media.StateIdle.String()}
	if sess == nil {
		return st
	}
	st.EndpointID = endpointID
	st.State = sess.State().String()
	st.Active = sess.IsActive()
	st.ElapsedSeconds = m.clock.Elapsed()
	st.EventCount = m.recorder.Len()
	if st.Active {
		st.StartedAt = startedAt
	}
	return st
}

// LastReport returns the report built by the most recent Stop, if any.
func (m *Manager) LastReport() *models.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport
}

// ShutdownAll stops a running session without building a report.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	m.clock.Stop()
}
