package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// RecordVersion is the current mailbox record version.
const RecordVersion = 1

// Type identifies a signal.
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
)

var (
	// ErrInvalidSignal indicates a signal that is missing its payload.
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrUnsupportedVersion indicates a record written by a newer peer.
	ErrUnsupportedVersion = errors.New("unsupported signal record version")
)

// Signal is one offer, answer or candidate.
type Signal struct {
	Type      Type                     `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Offer wraps a local offer description.
func Offer(desc webrtc.SessionDescription) Signal {
	return Signal{Type: TypeOffer, SDP: desc.SDP}
}

// Answer wraps a local answer description.
func Answer(desc webrtc.SessionDescription) Signal {
	return Signal{Type: TypeAnswer, SDP: desc.SDP}
}

// Candidate wraps a local ICE candidate.
func Candidate(c webrtc.ICECandidateInit) Signal {
	return Signal{Type: TypeCandidate, Candidate: &c}
}

// Description returns the session description carried by an offer or answer.
func (s Signal) Description() (webrtc.SessionDescription, bool) {
	switch s.Type {
	case TypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}, true
	case TypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP}, true
	}
	return webrtc.SessionDescription{}, false
}

// Validate checks that the payload matches the type.
func (s Signal) Validate() error {
	switch s.Type {
	case TypeOffer, TypeAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidSignal, s.Type)
		}
	case TypeCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	}
	return nil
}

// Record is the JSON document stored in a mailbox.
type Record struct {
	Version   int    `json:"v"`
	Signal    Signal `json:"signal"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if r.Version != RecordVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, r.Version)
	}
	if r.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrInvalidSignal)
	}
	if err := r.Signal.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
