// Package app wires the client together.
//
// Open unlocks the local identity and builds every component around one
// event loop: the relay transport, request correlator, fragment reassembler,
// inbound dispatcher, conversation store, presence tracker, call machine and
// the outbound message service. Client is the goroutine-safe facade the CLI
// drives; each method posts onto the loop and waits.
//
// Config comes from a TOML file over DefaultConfig; command-line flags
// override both.
package app
