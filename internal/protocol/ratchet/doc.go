// Package ratchet advances Double Ratchet state for a single conversation.
//
// The functions mutate the domain.RatchetState they are given and are not
// safe for concurrent use on the same state. Decrypt leaves the state
// changed even on failure, so callers that need all-or-nothing semantics
// work on a Clone.
package ratchet
