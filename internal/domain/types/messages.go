package types

// Envelope types carried in CipherEnvelope.Type.
const (
	EnvelopeWhisper = 1
	EnvelopePreKey  = 3
)

// CipherEnvelope is the JSON unit the dispatcher decrypts. Body is the base64
// of an encoded Envelope.
type CipherEnvelope struct {
	Type   int    `json:"type"`
	Body   string `json:"body"`
	Sender PeerID `json:"sender,omitempty"`
}

// IsPreKey reports whether the envelope starts a session.
func (e CipherEnvelope) IsPreKey() bool { return e.Type == EnvelopePreKey }

// Envelope is one Double Ratchet message.
type Envelope struct {
	Header         RatchetHeader  `json:"header"`
	Cipher         []byte         `json:"cipher"`
	AssociatedData []byte         `json:"associated_data,omitempty"`
	PreKey         *PreKeyMessage `json:"pre_key,omitempty"`
	Timestamp      int64          `json:"timestamp"`
}
