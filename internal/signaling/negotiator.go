package signaling

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNegotiation wraps a peer failure during offer/answer handling.
var ErrNegotiation = errors.New("negotiation failed")

// Peer is the side of the connection the negotiator drives.
type Peer interface {
	SetRemoteDescription(sdp string) error
	CreateAnswer() (string, error)
	SetLocalDescription(sdp string) error
	AddICECandidate(c ICECandidate) error
}

// NegotiationState tracks where the offer/answer exchange is.
type NegotiationState int

const (
	StateIdle NegotiationState = iota
	StateOfferReceived
	StateAnswerSent
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerSent:
		return "answer-sent"
	default:
		return fmt.Sprintf("NegotiationState(%d)", int(s))
	}
}

// SendFunc delivers a frame to the remote peer.
type SendFunc func(Message) error

// Negotiator answers remote offers and applies remote candidates in arrival order.
// Candidates that arrive before a remote description exists are held and applied
// as soon as one is set.
type Negotiator struct {
	mu        sync.Mutex
	state     NegotiationState
	peer      Peer
	send      SendFunc
	remoteSet bool
	pending   []ICECandidate
	applied   int
}

// NewNegotiator creates a negotiator in the idle state.
func NewNegotiator(peer Peer, send SendFunc) *Negotiator {
	return &Negotiator{peer: peer, send: send}
}

// State returns the current negotiation state.
func (n *Negotiator) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Pending returns the number of candidates waiting for a remote description.
func (n *Negotiator) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Applied returns the number of remote candidates handed to the peer.
func (n *Negotiator) Applied() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applied
}

// Handle processes one decoded frame. The whole step runs under the lock so two
// frames arriving back to back never interleave.
func (n *Negotiator) Handle(msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch msg.Type {
	case TypeOffer:
		return n.handleOfferLocked(msg.SDP)
	case TypeCandidate:
		n.handleCandidateLocked(*msg.Candidate)
		return nil
	case TypeAnswer:
		log.Warn().Str("state", n.state.String()).Msg("Ignoring unexpected answer, this side only answers offers")
		return nil
	default:
		return fmt.Errorf("%w: unexpected type %q", ErrMalformedMessage, msg.Type)
	}
}

// handleOfferLocked runs remote description → answer → local description → send,
// each step only after the previous one succeeded.
func (n *Negotiator) handleOfferLocked(sdp string) error {
	prev := n.state
	n.state = StateOfferReceived

	if err := n.peer.SetRemoteDescription(sdp); err != nil {
		n.state = prev
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiation, err)
	}
	n.remoteSet = true
	n.flushPendingLocked()

	answer, err := n.peer.CreateAnswer()
	if err != nil {
		n.state = prev
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := n.peer.SetLocalDescription(answer); err != nil {
		n.state = prev
		return fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}
	if err := n.send(AnswerMessage(answer)); err != nil {
		n.state = prev
		return fmt.Errorf("%w: send answer: %v", ErrNegotiation, err)
	}

	n.state = StateAnswerSent
	log.Debug().Msg("Answer sent")
	return nil
}

func (n *Negotiator) handleCandidateLocked(c ICECandidate) {
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		log.Debug().Int("pending", len(n.pending)).Msg("Queued remote candidate until remote description is set")
		return
	}
	n.applyLocked(c)
}

func (n *Negotiator) flushPendingLocked() {
	if len(n.pending) == 0 {
		return
	}
	queued := n.pending
	n.pending = nil
	for _, c := range queued {
		n.applyLocked(c)
	}
	log.Debug().Int("count", len(queued)).Msg("Applied queued remote candidates")
}

func (n *Negotiator) applyLocked(c ICECandidate) {
	if err := n.peer.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Peer rejected remote candidate")
		return
	}
	n.applied++
}
