// Package fragment reassembles envelopes that were split into msg_fragment
// chunks and splits oversized envelopes on the sending side.
package fragment
