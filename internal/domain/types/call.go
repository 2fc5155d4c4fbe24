package types

import (
	"fmt"
	"time"
)

// MediaKind selects voice or video.
type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

// CallDirection says who placed the call.
type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// CallStatus is the state of the call machine.
type CallStatus string

const (
	CallIdle      CallStatus = "idle"
	CallCalling   CallStatus = "calling"
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
)

// CallOutcome classifies a finished call in its log record.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeDeclined  CallOutcome = "declined"
	OutcomeMissed    CallOutcome = "missed"
)

// CallLog is emitted exactly once per call id.
type CallLog struct {
	CallID    string        `json:"callId"`
	Peer      PeerID        `json:"peer"`
	Kind      MediaKind     `json:"callType"`
	Direction CallDirection `json:"direction"`
	Outcome   CallOutcome   `json:"status"`
	Duration  time.Duration `json:"duration"`
	EndedAt   time.Time     `json:"endedAt"`
}

// Summary renders the record for a conversation, e.g. "Voice call completed (1m 5s)".
func (l CallLog) Summary() string {
	kind := "Voice"
	if l.Kind == MediaVideo {
		kind = "Video"
	}
	s := fmt.Sprintf("%s call %s", kind, l.Outcome)
	if l.Outcome == OutcomeCompleted {
		secs := int64(l.Duration / time.Second)
		s += fmt.Sprintf(" (%dm %ds)", secs/60, secs%60)
	}
	return s
}
