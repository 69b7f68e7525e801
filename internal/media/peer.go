package media

import (
	"context"

	"github.com/thebtf/postura/internal/signaling"
)

// PeerConnection is the WebRTC peer a session negotiates through.
type PeerConnection interface {
	signaling.Peer

	// AddTrack attaches a local track. Attaching after negotiation started is allowed.
	AddTrack(Track) error
	OnConnectionStateChange(func(PeerState))
	OnLocalCandidate(func(signaling.ICECandidate))
	Close() error
}

// PeerFactory creates a fresh peer connection for each session attempt.
type PeerFactory func() (PeerConnection, error)

// Track is a local media track. Stop releases the underlying device.
type Track interface {
	ID() string
	Stop() error
}

// Capturer acquires the local camera track.
type Capturer interface {
	Capture(ctx context.Context) (Track, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context) (Track, error)

func (f CapturerFunc) Capture(ctx context.Context) (Track, error) { return f(ctx) }
