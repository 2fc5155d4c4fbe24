package wire

import (
	"bytes"
	"encoding/hex"
	"errors"

	"entropy/internal/domain"
)

// ErrBadRecipient is returned for a routing id that is not 64 hex characters.
var ErrBadRecipient = errors.New("wire: recipient id must be 64 hex characters")

// BinaryFrame is an inbound binary frame after padding removal.
// Sender is empty when the frame carried no routing prefix.
type BinaryFrame struct {
	Sender  domain.PeerID
	Payload []byte
}

// EncodeBinary prefixes payload with the recipient's routing id. An optional
// ".device" suffix on recipient is ignored.
func EncodeBinary(recipient domain.PeerID, payload []byte) ([]byte, error) {
	id := recipient.Routing()
	if !id.Valid() {
		return nil, ErrBadRecipient
	}
	out := make([]byte, 0, domain.PeerIDLength+len(payload))
	out = append(out, id...)
	return append(out, payload...), nil
}

// TrimPadding drops trailing zero bytes.
func TrimPadding(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}

// DecodeBinary trims padding and splits off the sender prefix when the first
// 64 bytes are hex.
func DecodeBinary(b []byte) BinaryFrame {
	b = TrimPadding(b)
	if len(b) >= domain.PeerIDLength && isHex(b[:domain.PeerIDLength]) {
		return BinaryFrame{
			Sender:  domain.PeerID(b[:domain.PeerIDLength]),
			Payload: b[domain.PeerIDLength:],
		}
	}
	return BinaryFrame{Payload: b}
}

func isHex(b []byte) bool {
	dst := make([]byte, hex.DecodedLen(len(b)))
	_, err := hex.Decode(dst, b)
	return err == nil
}
