// Package transport owns the single relay connection.
//
// It dials with a linear backoff, authenticates with the stored session
// token, frames outbound control and binary messages, queues what cannot be
// written yet, and demultiplexes inbound frames. All methods run on the event
// loop.
package transport
