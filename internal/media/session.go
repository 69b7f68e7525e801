// Package media owns the live camera session: peer connection, signaling
// channels and the local track, driven through a single state machine.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/postura/internal/detection"
	"github.com/thebtf/postura/internal/signaling"
)

// DefaultConnectTimeout bounds Start when the config leaves it unset.
const DefaultConnectTimeout = 15 * time.Second

var (
	// ErrCaptureUnavailable means the camera could not be acquired.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrConnectionFailed means signaling or the peer connection never completed.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrSessionStopped is returned by Start when Stop interrupts it.
	ErrSessionStopped = errors.New("media session stopped")
	// ErrSessionClosed is returned by Start on a session that was already closed.
	ErrSessionClosed = errors.New("media session closed")
)

// UserMessage returns the text to show a user for a Start failure.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrCaptureUnavailable):
		return "Camera is unavailable. Check that it is connected and access is allowed, then try again."
	case errors.Is(err, ErrConnectionFailed):
		return "Could not reach the posture detection service. Check your connection and try again."
	default:
		return ""
	}
}

// Config describes where and how a session connects.
type Config struct {
	BaseURL        string
	EndpointID     string
	ConnectTimeout time.Duration
	Signaling      signaling.Options
}

// Handlers receive session events. All are optional.
type Handlers struct {
	// OnDetection receives posture results while the session is connected.
	OnDetection func(detection.Result)
	// OnStateChange runs after every state change, outside the session lock.
	OnStateChange func(from, to ConnectionState)
	// OnStopped runs exactly once per started session, from Stop.
	OnStopped func()
}

// Option configures a Session.
type Option func(*Session)

// WithPeerFactory replaces the pion peer connection.
func WithPeerFactory(f PeerFactory) Option {
	return func(s *Session) { s.newPeer = f }
}

type resources struct {
	channel *signaling.Channel
	peer    PeerConnection
	track   Track
}

func (r resources) release() error {
	var errs []error
	if r.track != nil {
		if err := r.track.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop track %s: %w", r.track.ID(), err))
		}
	}
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signaling: %w", err))
		}
	}
	if r.peer != nil {
		if err := r.peer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// attempt tracks one Start call. Callbacks from an older attempt are ignored.
type attempt struct {
	connected chan struct{}
	failed    chan error
	stopped   chan struct{}

	connOnce sync.Once
	stopOnce sync.Once
}

func newAttempt() *attempt {
	return &attempt{
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		stopped:   make(chan struct{}),
	}
}

func (a *attempt) markConnected() { a.connOnce.Do(func() { close(a.connected) }) }
func (a *attempt) stop()          { a.stopOnce.Do(func() { close(a.stopped) }) }

func (a *attempt) fail(err error) {
	select {
	case a.failed <- err:
	default:
	}
}

func (a *attempt) isStopped() bool {
	select {
	case <-a.stopped:
		return true
	default:
		return false
	}
}

// Session is one camera session against the detection service.
type Session struct {
	cfg      Config
	capturer Capturer
	handlers Handlers
	newPeer  PeerFactory

	mu        sync.Mutex
	state     ConnectionState
	res       resources
	attempt   *attempt
	stopFired bool
}

// New creates an idle session.
func New(cfg Config, capturer Capturer, handlers Handlers, opts ...Option) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	s := &Session{
		cfg:      cfg,
		capturer: capturer,
		handlers: handlers,
		newPeer:  PionPeerFactory(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether the session is connected.
func (s *Session) IsActive() bool {
	return s.State() == StateConnected
}

// transitionLocked is the only place state changes. Callers hold s.mu and
// call notify after releasing it.
func (s *Session) transitionLocked(to ConnectionState) (ConnectionState, error) {
	from := s.state
	if !from.CanTransition(to) {
		return from, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	return from, nil
}

func (s *Session) notify(from, to ConnectionState) {
	log.Debug().Str("from", from.String()).Str("to", to.String()).Str("endpoint", s.cfg.EndpointID).Msg("Media session state")
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(from, to)
	}
}

func (s *Session) takeResourcesLocked() resources {
	res := s.res
	s.res = resources{}
	return res
}

// adopt hands resources to the session unless the attempt is no longer current.
func (s *Session) adopt(a *attempt, fn func(*resources)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != a || (s.state != StateConnecting && s.state != StateConnected) {
		return false
	}
	fn(&s.res)
	return true
}

// Start connects the session. It blocks until the peer is connected, the
// attempt fails, ctx is done or the connect timeout elapses.
func (s *Session) Start(ctx context.Context) error {
	a := newAttempt()

	var changes [][2]ConnectionState
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateFailed {
		if from, err := s.transitionLocked(StateIdle); err == nil {
			changes = append(changes, [2]ConnectionState{from, StateIdle})
		}
	}
	from, err := s.transitionLocked(StateConnecting)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start media session: %w", err)
	}
	changes = append(changes, [2]ConnectionState{from, StateConnecting})
	s.attempt = a
	s.stopFired = false
	s.res = resources{}
	s.mu.Unlock()

	for _, c := range changes {
		s.notify(c[0], c[1])
	}

	peer, err := s.newPeer()
	if err != nil {
		return s.fail(a, fmt.Errorf("%w: create peer connection: %w", ErrConnectionFailed, err))
	}

	ch := signaling.NewChannel(s.cfg.BaseURL, peer, s.channelHandlers(a), s.cfg.Signaling)
	peer.OnConnectionStateChange(func(ps PeerState) { s.onPeerState(a, ps) })
	peer.OnLocalCandidate(func(c signaling.ICECandidate) {
		if err := ch.SendCandidate(c); err != nil {
			log.Debug().Err(err).Msg("Dropping local candidate")
		}
	})
	if !s.adopt(a, func(r *resources) { r.peer = peer; r.channel = ch }) {
		_ = peer.Close()
		return ErrSessionStopped
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	// The detector may offer as soon as the channel opens and this side never
	// renegotiates, so the track must be on the peer before the answer is built.
	if s.capturer == nil {
		return s.fail(a, fmt.Errorf("%w: no capture device configured", ErrCaptureUnavailable))
	}
	track, err := s.capturer.Capture(ctx)
	if err != nil {
		return s.fail(a, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err))
	}
	if !s.adopt(a, func(r *resources) { r.track = track }) {
		_ = track.Stop()
		return ErrSessionStopped
	}
	if err := peer.AddTrack(track); err != nil {
		return s.fail(a, fmt.Errorf("%w: attach track: %w", ErrConnectionFailed, err))
	}

	if err := ch.Open(ctx, s.cfg.EndpointID); err != nil {
		return s.fail(a, fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}

	select {
	case <-a.connected:
		log.Info().Str("endpoint", s.cfg.EndpointID).Str("peer", ch.PeerID()).Msg("Media session connected")
		return nil
	case err := <-a.failed:
		return s.fail(a, fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	case <-a.stopped:
		return ErrSessionStopped
	case <-ctx.Done():
		return s.fail(a, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err()))
	}
}

func (s *Session) channelHandlers(a *attempt) signaling.Handlers {
	return signaling.Handlers{
		OnDetection: func(r detection.Result) {
			if !s.IsActive() || s.handlers.OnDetection == nil {
				return
			}
			s.handlers.OnDetection(r)
		},
		OnNegotiationError: func(err error) {
			a.fail(err)
		},
		OnClosed: func(err error) {
			s.onLost(a, fmt.Errorf("signaling closed: %w", err))
		},
	}
}

func (s *Session) onPeerState(a *attempt, ps PeerState) {
	switch ps {
	case PeerConnected:
		s.mu.Lock()
		if s.attempt != a || s.state != StateConnecting {
			s.mu.Unlock()
			return
		}
		from, err := s.transitionLocked(StateConnected)
		s.mu.Unlock()
		if err != nil {
			return
		}
		s.notify(from, StateConnected)
		a.markConnected()
	case PeerFailed, PeerClosed:
		s.onLost(a, fmt.Errorf("peer connection %s", ps))
	case PeerDisconnected:
		log.Warn().Str("endpoint", s.cfg.EndpointID).Msg("Peer connection disconnected")
	}
}

// onLost handles a failure reported by a callback rather than by Start itself.
func (s *Session) onLost(a *attempt, err error) {
	s.mu.Lock()
	current, state := s.attempt == a, s.state
	s.mu.Unlock()
	if !current {
		return
	}

	switch state {
	case StateConnecting:
		a.fail(err)
	case StateConnected:
		_ = s.fail(a, fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
}

// fail moves a live attempt to failed and releases its resources.
func (s *Session) fail(a *attempt, cause error) error {
	s.mu.Lock()
	if s.attempt != a || (s.state != StateConnecting && s.state != StateConnected) {
		s.mu.Unlock()
		if a.isStopped() {
			return ErrSessionStopped
		}
		return cause
	}
	from, err := s.transitionLocked(StateFailed)
	if err != nil {
		s.mu.Unlock()
		return cause
	}
	res := s.takeResourcesLocked()
	s.mu.Unlock()

	if err := res.release(); err != nil {
		log.Debug().Err(err).Msg("Releasing failed session resources")
	}
	log.Error().Err(cause).Str("endpoint", s.cfg.EndpointID).Msg("Media session failed")
	s.notify(from, StateFailed)
	return cause
}

// Stop tears the session down and runs OnStopped once per started session.
// Repeat calls are no-ops.
func (s *Session) Stop() {
	s.mu.Lock()
	a := s.attempt
	if a == nil || s.stopFired {
		s.mu.Unlock()
		return
	}
	s.stopFired = true

	from := s.state
	changed := false
	if from == StateConnecting || from == StateConnected {
		if _, err := s.transitionLocked(StateClosed); err == nil {
			changed = true
		}
	}
	res := s.takeResourcesLocked()
	s.mu.Unlock()

	a.stop()
	if err := res.release(); err != nil {
		log.Warn().Err(err).Str("endpoint", s.cfg.EndpointID).Msg("Media session teardown")
	}
	if changed {
		s.notify(from, StateClosed)
	}
	log.Info().Str("endpoint", s.cfg.EndpointID).Msg("Media session stopped")

	if s.handlers.OnStopped != nil {
		s.handlers.OnStopped()
	}
}
