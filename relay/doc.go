// Package relay translates the provider's event feed into the canonical
// stream taxonomy and forwards it to a sink in real time.
//
// Every provider event maps to exactly one canonical event. Delta
// fragments are forwarded the moment they arrive and merged into growing
// per-index buffers on the side, so a completed message can be
// reconstructed even when the provider's terminal payload omits the
// content. When the feed breaks before a terminal signal, the relay falls
// back to polling the run snapshot and synthesizes the terminal event
// from it.
package relay
