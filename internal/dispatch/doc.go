// Package dispatch routes inbound frames: relay control frames, fragment
// chunks and ciphertext envelopes. Envelopes are decrypted one at a time off
// the loop and their typed payloads are applied to conversation, presence
// and call state in arrival order.
package dispatch
