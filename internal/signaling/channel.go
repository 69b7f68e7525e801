package signaling

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/postura/internal/detection"
)

// Paths of the two logical channels under the service base URL.
const (
	SignalPath    = "/signal/"
	DetectionPath = "/detect/"
)

// ErrChannelClosed is returned when an operation needs an open channel.
var ErrChannelClosed = errors.New("signaling channel closed")

// Handlers receive channel events. All are optional.
type Handlers struct {
	// OnOpen runs once the primary channel is connected, before its first frame is read.
	OnOpen func(peerID string)
	// OnDetection receives each posture classification from the detection channel.
	OnDetection func(detection.Result)
	// OnNegotiationError runs when the peer fails an offer/answer step.
	OnNegotiationError func(error)
	// OnClosed runs when the remote side drops the primary channel while it is live.
	OnClosed func(error)
}

// Channel owns the primary signaling socket and the detection socket for one peer.
type Channel struct {
	baseURL  string
	opts     Options
	handlers Handlers

	negotiator *Negotiator

	mu        sync.Mutex
	peerID    string
	primary   *Conn
	detection *Conn

	live      atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewChannel creates a channel that negotiates on behalf of peer.
func NewChannel(baseURL string, peer Peer, handlers Handlers, opts Options) *Channel {
	c := &Channel{
		baseURL:  baseURL,
		opts:     opts,
		handlers: handlers,
	}
	c.negotiator = NewNegotiator(peer, c.sendPrimary)
	return c
}

// NewPeerID returns a random numeric peer identifier.
func NewPeerID() string {
	return strconv.FormatUint(rand.Uint64N(1_000_000_000_000), 10)
}

// Open dials both channels for endpointID and starts their read loops.
func (c *Channel) Open(ctx context.Context, endpointID string) error {
	if endpointID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	if c.closed.Load() {
		return ErrChannelClosed
	}

	peerID := NewPeerID()
	query := url.Values{"peer": []string{peerID}}

	signalURL, err := WebsocketURL(c.baseURL, SignalPath+endpointID, query)
	if err != nil {
		return err
	}
	detectURL, err := WebsocketURL(c.baseURL, DetectionPath+endpointID, query)
	if err != nil {
		return err
	}

	primary, err := Dial(ctx, signalURL, c.opts)
	if err != nil {
		return fmt.Errorf("dial signaling channel: %w", err)
	}
	detect, err := Dial(ctx, detectURL, c.opts)
	if err != nil {
		_ = primary.Close()
		return fmt.Errorf("dial detection channel: %w", err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = primary.Close()
		_ = detect.Close()
		return ErrChannelClosed
	}
	c.peerID = peerID
	c.primary = primary
	c.detection = detect
	c.live.Store(true)
	c.mu.Unlock()

	log.Info().Str("peer", peerID).Str("endpoint", endpointID).Msg("Signaling channels open")

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen(peerID)
	}

	c.wg.Add(2)
	go c.runPrimary(primary)
	go c.runDetection(detect)
	return nil
}

func (c *Channel) runPrimary(conn *Conn) {
	defer c.wg.Done()

	err := conn.Run(c.dispatchSignal)
	if err != nil && c.live.Load() {
		log.Warn().Err(err).Str("peer", c.PeerID()).Msg("Signaling channel dropped")
		if c.handlers.OnClosed != nil {
			c.handlers.OnClosed(err)
		}
	}
}

func (c *Channel) runDetection(conn *Conn) {
	defer c.wg.Done()

	if err := conn.Run(c.dispatchDetection); err != nil && c.live.Load() {
		log.Warn().Err(err).Str("peer", c.PeerID()).Msg("Detection channel dropped")
	}
}

func (c *Channel) dispatchSignal(data []byte) {
	if !c.live.Load() {
		return
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("Ignoring signaling frame")
		return
	}

	if err := c.negotiator.Handle(msg); err != nil {
		log.Error().Err(err).Str("type", string(msg.Type)).Msg("Signaling step failed")
		if errors.Is(err, ErrNegotiation) && c.handlers.OnNegotiationError != nil {
			c.handlers.OnNegotiationError(err)
		}
	}
}

func (c *Channel) dispatchDetection(data []byte) {
	if !c.live.Load() {
		return
	}

	res, ok, err := detection.Decode(data)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("Ignoring detection frame")
		return
	}
	if !ok || c.handlers.OnDetection == nil {
		return
	}
	c.handlers.OnDetection(res)
}

func (c *Channel) sendPrimary(msg Message) error {
	c.mu.Lock()
	conn := c.primary
	c.mu.Unlock()

	if conn == nil || !c.live.Load() {
		return ErrChannelClosed
	}
	return conn.WriteJSON(msg)
}

// SendCandidate trickles a locally gathered ICE candidate to the remote peer.
func (c *Channel) SendCandidate(cand ICECandidate) error {
	return c.sendPrimary(CandidateMessage(cand))
}

// PeerID returns the identifier generated by Open.
func (c *Channel) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// State returns the negotiation state.
func (c *Channel) State() NegotiationState {
	return c.negotiator.State()
}

// Negotiator exposes the offer/answer state machine.
func (c *Channel) Negotiator() *Negotiator {
	return c.negotiator
}

// Live reports whether the channel is open and not yet closed.
func (c *Channel) Live() bool {
	return c.live.Load()
}

// Close shuts both sockets. Closing an already closed channel is a no-op.
func (c *Channel) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		c.live.Store(false)
		primary, detect := c.primary, c.detection
		c.mu.Unlock()

		if primary != nil {
			if err := primary.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if detect != nil {
			if err := detect.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		log.Debug().Str("peer", c.PeerID()).Msg("Signaling channels closed")
	})
	return errors.Join(errs...)
}

// Wait blocks until both read loops have exited.
func (c *Channel) Wait() {
	c.wg.Wait()
}
