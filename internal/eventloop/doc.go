// Package eventloop runs the client's state machines on one goroutine.
//
// Every component (transport, correlator, reassembler, dispatcher, call
// machine) mutates its state only from tasks executed by a Loop. Work that
// may block (dialing, encryption, media setup) runs through Async on its own
// goroutine and hands its result back to the loop.
//
// Timers created with AfterFunc fire as loop tasks. Stopping a timer from
// the loop guarantees its callback will not run, even when the deadline has
// already passed.
//
// Run drives the loop in production. Tests use Settle with a
// clockwork.FakeClock: advance the clock, then Settle until quiescent.
package eventloop
