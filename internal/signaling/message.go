// Package signaling exchanges session descriptions and ICE candidates with the
// remote detection service and receives its classification results.
package signaling

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrMalformedMessage marks a frame that could not be decoded or has an unknown kind.
// Such frames are logged and skipped; they never close the channel.
var ErrMalformedMessage = errors.New("malformed signaling message")

// MessageType is the "type" discriminator of a signaling frame.
type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
)

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is one signaling frame.
type Message struct {
	Type      MessageType   `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// OfferMessage builds an offer frame.
func OfferMessage(sdp string) Message {
	return Message{Type: TypeOffer, SDP: sdp}
}

// AnswerMessage builds an answer frame.
func AnswerMessage(sdp string) Message {
	return Message{Type: TypeAnswer, SDP: sdp}
}

// CandidateMessage builds a candidate frame.
func CandidateMessage(c ICECandidate) Message {
	return Message{Type: TypeCandidate, Candidate: &c}
}

// DecodeMessage parses and validates a frame.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case TypeOffer, TypeAnswer:
		if msg.SDP == "" {
			return Message{}, fmt.Errorf("%w: %s without sdp", ErrMalformedMessage, msg.Type)
		}
	case TypeCandidate:
		if msg.Candidate == nil {
			return Message{}, fmt.Errorf("%w: candidate without payload", ErrMalformedMessage)
		}
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return Message{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedMessage, msg.Type)
	}
	return msg, nil
}

// EncodeMessage serializes a frame.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
