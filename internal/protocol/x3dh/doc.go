// Package x3dh derives the shared root key that seeds a Double Ratchet
// conversation with a peer who is not online.
//
// The initiator fetches the peer's prekey bundle from the relay directory,
// checks the signed prekey against the peer's Ed25519 key and mixes three or
// four Diffie-Hellman outputs through HKDF-SHA256:
//
//	DH(IKa, SPKb) || DH(EKa, IKb) || DH(EKa, SPKb) [|| DH(EKa, OPKb)]
//
// The responder repeats the same transcript from the PreKeyMessage that rides
// on the first ciphertexts. A named one-time prekey is consumed on use; if it
// is already gone the handshake fails with ErrMissingOneTimeKey rather than
// silently downgrading.
package x3dh
