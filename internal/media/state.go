package media

import (
	"errors"
	"fmt"
)

// ConnectionState is the lifecycle state of a media session.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

// ErrInvalidTransition is returned when a state change breaks the lifecycle order.
var ErrInvalidTransition = errors.New("invalid connection state transition")

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// CanTransition reports whether s may move to next.
// States only move forward, except failed → idle for a manual restart.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	switch s {
	case StateIdle:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateFailed || next == StateClosed
	case StateConnected:
		return next == StateFailed || next == StateClosed
	case StateFailed:
		return next == StateIdle
	default:
		return false
	}
}

// PeerState is the connectivity reported by a peer connection.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (p PeerState) String() string {
	switch p {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return fmt.Sprintf("PeerState(%d)", int(p))
	}
}
