package wire

import (
	"encoding/json"
	"errors"

	"entropy/internal/domain"
)

// Payload types carried inside encrypted envelopes.
const (
	PayloadText           = "text_msg"
	PayloadGroupMessage   = "group_message"
	PayloadGroupMessageV2 = "group_message_v2"
	PayloadFile           = "file"
	PayloadFileV2         = "file_v2"
	PayloadVoiceNote      = "voice_note"
	PayloadVoiceNoteV2    = "voice_note_v2"
	PayloadTyping         = "typing"
	PayloadPresence       = "presence"
	PayloadReceipt        = "receipt"
	PayloadProfile        = "profile_update"
	PayloadGroupInvite    = "group_invite"
	PayloadGroupInviteV2  = "group_invite_v2"
	PayloadSignaling      = "signaling"
	PayloadCallLog        = "call_log"
)

var ErrNotPayload = errors.New("wire: plaintext is not a JSON payload object")

// FileBundle describes a v2 attachment.
type FileBundle struct {
	FileName string `json:"file_name,omitempty"`
	FileType string `json:"file_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Payload is the decrypted application message. Only the fields relevant to
// Type are set. Data is raw because its shape depends on Type: a base64 or
// hex string for attachments, an object for signaling.
type Payload struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Sender  domain.PeerID `json:"sender,omitempty"`
	ReplyTo string        `json:"replyTo,omitempty"`
	GroupID domain.PeerID `json:"groupId,omitempty"`

	Content string `json:"content,omitempty"`
	Body    string `json:"body,omitempty"`
	M       string `json:"m,omitempty"`

	FileName string          `json:"fileName,omitempty"`
	FileType string          `json:"fileType,omitempty"`
	Size     int64           `json:"size,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Bundle   *FileBundle     `json:"bundle,omitempty"`

	IsTyping *bool `json:"isTyping,omitempty"`
	IsOnline *bool `json:"isOnline,omitempty"`

	MsgIDs []string `json:"msgIds,omitempty"`
	MsgID  string   `json:"msgId,omitempty"`
	Status string   `json:"status,omitempty"`

	Alias string `json:"alias,omitempty"`
	Pfp   string `json:"pfp,omitempty"`

	Name    string          `json:"name,omitempty"`
	Members []domain.PeerID `json:"members,omitempty"`

	CallID   string           `json:"callId,omitempty"`
	CallType domain.MediaKind `json:"callType,omitempty"`
	Duration int64            `json:"duration,omitempty"`
}

// ParsePayload decodes a plaintext payload object. Only a missing or
// non-string type rejects it; an optional field of the wrong JSON type is
// left zero and the rest of the payload still decodes.
func ParsePayload(b []byte) (Payload, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil || head.Type == "" {
		return Payload{}, ErrNotPayload
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return Payload{}, ErrNotPayload
		}
	}
	p.Type = head.Type
	return p, nil
}

// Text returns the message text from whichever alias field is set.
func (p Payload) Text() string {
	switch {
	case p.Content != "":
		return p.Content
	case p.Body != "":
		return p.Body
	default:
		return p.M
	}
}

// DataString returns Data when it is a JSON string.
func (p Payload) DataString() (string, bool) {
	var s string
	if len(p.Data) == 0 || json.Unmarshal(p.Data, &s) != nil {
		return "", false
	}
	return s, true
}

// ReceiptIDs returns the referenced message ids.
func (p Payload) ReceiptIDs() []string {
	if len(p.MsgIDs) > 0 {
		return p.MsgIDs
	}
	if p.MsgID != "" {
		return []string{p.MsgID}
	}
	return nil
}

// Marshal encodes the payload.
func (p Payload) Marshal() ([]byte, error) { return json.Marshal(p) }

// StringData encodes s as the Data field.
func StringData(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
