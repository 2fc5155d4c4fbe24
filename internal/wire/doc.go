// Package wire holds the relay frame formats.
//
// Binary frames are a 64-character hex routing id followed by opaque bytes;
// the relay may pad them with trailing zero bytes. Control frames are JSON
// objects with a "type" field and, for request/response pairs, a "req_id"
// correlation field. Decrypted payloads and call signals are JSON too.
package wire
