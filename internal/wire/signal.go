package wire

import (
	"encoding/json"
	"errors"

	"entropy/internal/domain"
)

// Signal types.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
	SignalHangup    = "hangup"
)

// ReasonBusy is the hangup reason sent when an offer arrives during a call.
const ReasonBusy = "busy"

var ErrBadSignal = errors.New("wire: malformed signaling payload")

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is one call-signaling message.
type Signal struct {
	Type      string           `json:"type"`
	CallID    string           `json:"callId"`
	CallType  domain.MediaKind `json:"callType,omitempty"`
	SDP       string           `json:"sdp,omitempty"`
	Candidate *ICECandidate    `json:"candidate,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// ParseSignal decodes the data member of a signaling payload.
func ParseSignal(raw json.RawMessage) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return Signal{}, ErrBadSignal
	}
	if s.Type == "" || s.CallID == "" {
		return Signal{}, ErrBadSignal
	}
	if s.Type == SignalCandidate && s.Candidate == nil {
		return Signal{}, ErrBadSignal
	}
	return s, nil
}

// Payload wraps the signal for encryption.
func (s Signal) Payload() (Payload, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Type: PayloadSignaling, Data: data}, nil
}
