package types

import "time"

// Event is a point-in-time notification for the presentation layer.
type Event interface {
	EventName() string
}

type ConnectionStatusChanged struct {
	Status ConnectionStatus
}

type MessageAppended struct {
	Conversation PeerID
	Message      Message
}

type MessageUpdated struct {
	Conversation PeerID
	MessageID    string
	Status       MessageStatus
}

type PresenceChanged struct {
	Peer     PeerID
	Online   bool
	LastSeen time.Time
}

type TypingChanged struct {
	Peer   PeerID
	Typing bool
}

type ProfileChanged struct {
	Peer   PeerID
	Alias  string
	Avatar string
}

type GroupChanged struct {
	Group   PeerID
	Name    string
	Members []PeerID
}

type CallStateChanged struct {
	CallID    string
	Peer      PeerID
	Kind      MediaKind
	Direction CallDirection
	Status    CallStatus
	Duration  time.Duration
}

func (ConnectionStatusChanged) EventName() string { return "connection_status" }
func (MessageAppended) EventName() string         { return "message_appended" }
func (MessageUpdated) EventName() string          { return "message_updated" }
func (PresenceChanged) EventName() string         { return "presence" }
func (TypingChanged) EventName() string           { return "typing" }
func (ProfileChanged) EventName() string          { return "profile" }
func (GroupChanged) EventName() string            { return "group" }
func (CallStateChanged) EventName() string        { return "call_state" }
