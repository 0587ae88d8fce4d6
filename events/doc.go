// Package events defines the canonical streamed event taxonomy the system
// exposes to clients, decoupled from any provider-specific framing.
//
// Event kinds:
//   - ThreadCreated: a conversation thread came into existence
//   - Run: a run lifecycle change (created, queued, in_progress,
//     requires_action, completed, incomplete, failed, cancelling,
//     cancelled, expired)
//   - Step: a run-step lifecycle change
//   - StepDelta: an incremental tool-call fragment keyed by content index
//   - Message: a message lifecycle change
//   - MessageDelta: an incremental text fragment keyed by content index
//   - Error: a terminal stream error
//   - StreamEnd: the implicit terminal marker closing a stream
//   - Unknown: an unrecognized event forwarded verbatim so new upstream
//     event types never terminate the stream
//
// Every envelope carries a v7 UUID, a timestamp and a type string of the
// form "thread.run.completed", "thread.message.delta" and so on. JSON
// encoding goes through ToJSON/FromJSON which frame each event as
// {"type": ..., "data": ...}.
package events
