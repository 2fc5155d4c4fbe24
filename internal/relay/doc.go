// Package relay connects the client to a relay server.
//
// The relay is an untrusted store-and-forward service. Envelopes travel over
// a websocket opened by Dialer; prekey bundles are published to and fetched
// from the relay's HTTP directory by Directory.
//
// Directory requests are JSON over HTTP and honour the caller's context.
// Non-2xx statuses are returned as errors carrying the method, path and
// status text.
package relay
