// Package api holds the core data model shared by every component of the
// system: threads, sessions, messages, runs, run steps, tool calls and
// usage metrics, together with the run state machine and the error
// taxonomy.
//
// The types here are plain values with no behavior beyond validation and
// state-transition checks. Components receive their collaborators at
// construction and exchange these values; nothing in this package performs
// I/O.
package api
