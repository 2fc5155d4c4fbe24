package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control frame types.
const (
	TypeAuth           = "auth"
	TypeAuthSuccess    = "auth_success"
	TypeError          = "error"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeDummyAck       = "dummy_ack"
	TypeDummyPacing    = "dummy_pacing"
	TypeRelaySuccess   = "relay_success"
	TypeDeliveryStatus = "delivery_status"
	TypeQueuedMessage  = "queued_message"
	TypeBinaryPayload  = "binary_payload"
	TypeFragment       = "msg_fragment"
	TypeVolatileRelay  = "volatile_relay"
	TypeGroupMulticast = "group_multicast"
	TypeNicknameLookup = "nickname_lookup"
	TypeNicknameClaim  = "nickname_register"
)

// CodeAuthFailed is the error code the relay sends for a rejected token.
const CodeAuthFailed = "auth_failed"

// CorrelationField names the request/response correlation field.
const CorrelationField = "req_id"

var ErrNotControl = errors.New("wire: control frame must be a JSON object with a string type")

// Control is a decoded JSON control frame. Fields keeps every member so
// handlers can decode the parts they understand.
type Control struct {
	Type   string
	ReqID  string
	Raw    []byte
	Fields map[string]json.RawMessage
}

// ParseControl decodes a control frame.
func ParseControl(b []byte) (Control, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return Control{}, ErrNotControl
	}
	c := Control{Raw: b, Fields: fields}
	if err := c.Decode("type", &c.Type); err != nil || c.Type == "" {
		return Control{}, ErrNotControl
	}
	_ = c.Decode(CorrelationField, &c.ReqID)
	return c, nil
}

// Has reports whether the field is present and not null.
func (c Control) Has(name string) bool {
	raw, ok := c.Fields[name]
	return ok && string(raw) != "null"
}

// Decode unmarshals one field into v. A missing field leaves v untouched.
func (c Control) Decode(name string, v any) error {
	raw, ok := c.Fields[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("wire: field %q: %w", name, err)
	}
	return nil
}

// String returns a string field or "".
func (c Control) String(name string) string {
	var s string
	if c.Decode(name, &s) != nil {
		return ""
	}
	return s
}

// Bool returns a bool field or false.
func (c Control) Bool(name string) bool {
	var b bool
	if c.Decode(name, &b) != nil {
		return false
	}
	return b
}

// IsError reports whether the frame carries an "error" member that is not
// false, null, 0 or "".
func (c Control) IsError() bool {
	raw, ok := c.Fields["error"]
	if !ok {
		return false
	}
	switch string(raw) {
	case "null", "false", "0", `""`:
		return false
	}
	return true
}

// Message is an outbound control frame.
type Message map[string]any

// NewMessage starts a control frame of the given type.
func NewMessage(typ string) Message { return Message{"type": typ} }

// With sets a field and returns the message.
func (m Message) With(key string, v any) Message {
	m[key] = v
	return m
}

// Type returns the frame type.
func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}
