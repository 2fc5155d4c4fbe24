// Package crypto wraps the primitives the handshake and ratchet build on:
// X25519 key agreement, Ed25519 prekey signatures, display fingerprints and
// wiping of secrets. Keys use the fixed-size array types from
// internal/domain.
package crypto
