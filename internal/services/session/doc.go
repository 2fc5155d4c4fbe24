// Package session implements per-peer end-to-end encryption.
//
// The initiator fetches the peer's bundle from the relay directory, runs
// X3DH and attaches the prekey message to every envelope until the peer's
// first reply decrypts. The responder builds its side from that prekey
// message. Both then advance a Double Ratchet.
package session
