// Package run owns the run lifecycle: the forward-only status machine,
// the one-active-run-per-thread lease, and the watchdog that expires runs
// whose provider feed never reaches a terminal state.
//
// The controller does not talk to clients and does not translate events;
// it is driven by the relay (for provider signals) and by the engine (for
// caller operations like cancel and tool-output submission). All
// mutations of one run are serialized, so concurrent signals cannot
// interleave half-applied transitions.
package run
