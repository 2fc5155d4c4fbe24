// Package main runs the in-memory relay used during development and tests.
// It routes encrypted envelopes between connected clients and stores
// published prekey bundles. It never sees plaintext or private keys.
//
// Endpoints
//
//	GET  /ws             websocket; the first frame must be {"type":"auth"}
//	POST /register       store a PreKeyBundle
//	GET  /prekey/{id}    fetch a bundle with at most one one-time prekey
//
// Binary frames are routed by their 64-hex recipient prefix, which the relay
// rewrites to the sender's id. Frames for offline peers are held in memory
// and delivered as queued_message on their next login. All state is lost on
// exit. The default listen address is :8080.
package main
