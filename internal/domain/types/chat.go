package types

import "time"

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses along the delivery path. Failed and unknown rank 0.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Advances reports whether moving from s to next goes forward.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	return next.Rank() > s.Rank()
}

// MessageKind classifies a stored message.
type MessageKind string

const (
	KindText      MessageKind = "text"
	KindFile      MessageKind = "file"
	KindVoiceNote MessageKind = "voice_note"
	KindCallLog   MessageKind = "call_log"
	KindSystem    MessageKind = "system"
)

// Attachment references a blob held in the Vault.
type Attachment struct {
	VaultID  string `json:"vault_id"`
	FileName string `json:"file_name,omitempty"`
	FileType string `json:"file_type,omitempty"`
	Size     int64  `json:"size"`
}

// Message is one entry of a conversation.
type Message struct {
	ID         string        `json:"id"`
	Sender     PeerID        `json:"sender"`
	Kind       MessageKind   `json:"kind"`
	Content    string        `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	Mine       bool          `json:"mine"`
	Status     MessageStatus `json:"status"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	ReplyTo    string        `json:"reply_to,omitempty"`
}

// ConnectionStatus is the transport state shown to the user.
type ConnectionStatus string

const (
	ConnDisconnected  ConnectionStatus = "disconnected"
	ConnConnecting    ConnectionStatus = "connecting"
	ConnConnected     ConnectionStatus = "connected"
	ConnAuthenticated ConnectionStatus = "authenticated"
)
