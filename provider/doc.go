// Package provider defines the narrow interface the orchestration core
// consumes from an assistant completion provider, together with the typed
// envelopes of its event feed.
//
// The core never talks to a provider SDK directly: the run controller and
// streaming relay work against Client and StreamEvent, and adapters (see
// the openai subpackage) translate to the concrete wire protocol. The
// WithRetry decorator layers bounded exponential backoff over the unary
// operations for transient failures (upstream 5xx, throttling) while
// leaving stream consumption untouched.
package provider
