package media

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/postura/internal/signaling"
)

// ErrForeignTrack is returned when a track was not created by this package.
var ErrForeignTrack = errors.New("track has no local pion track")

// PionPeer adapts a pion PeerConnection to the answering side of the protocol.
type PionPeer struct {
	pc *webrtc.PeerConnection
}

// PionPeerFactory returns a factory that builds pion peers using the given STUN/TURN URLs.
func PionPeerFactory(iceServers []string) PeerFactory {
	return func() (PeerConnection, error) {
		cfg := webrtc.Configuration{}
		if len(iceServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
		}
		return NewPionPeer(cfg)
	}
}

// NewPionPeer creates a peer connection with the default media engine.
func NewPionPeer(cfg webrtc.Configuration) (*PionPeer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionPeer{pc: pc}, nil
}

func (p *PionPeer) SetRemoteDescription(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (p *PionPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *PionPeer) SetLocalDescription(sdp string) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *PionPeer) AddICECandidate(c signaling.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// AddTrack attaches a SampleTrack and drains RTCP for it.
func (p *PionPeer) AddTrack(t Track) error {
	lt, ok := t.(interface{ Local() webrtc.TrackLocal })
	if !ok {
		return fmt.Errorf("%w: %s", ErrForeignTrack, t.ID())
	}

	sender, err := p.pc.AddTrack(lt.Local())
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *PionPeer) OnConnectionStateChange(fn func(PeerState)) {
	p.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		fn(peerState(st))
	})
}

func (p *PionPeer) OnLocalCandidate(fn func(signaling.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(signaling.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *PionPeer) Close() error {
	if err := p.pc.Close(); err != nil {
		log.Debug().Err(err).Msg("Closing peer connection")
		return err
	}
	return nil
}

func peerState(st webrtc.PeerConnectionState) PeerState {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	default:
		return PeerNew
	}
}
