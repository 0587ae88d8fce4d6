package events

import (
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/parley-ai/parley/api"
)

// Event is the interface implemented by every canonical stream event.
type Event interface {
	// EventType returns the wire type string, e.g. "thread.run.completed".
	EventType() string
	event()
}

// ThreadCreated announces a new conversation thread.
type ThreadCreated struct {
	ID        uuid.UUID       `json:"id"`
	Thread    api.Thread      `json:"thread"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (ThreadCreated) event() {}

func (ThreadCreated) EventType() string { return "thread.created" }

// Run is a run lifecycle event. Stage is "created" for the initial
// announcement and the run status string for every subsequent change.
type Run struct {
	ID        uuid.UUID       `json:"id"`
	Stage     string          `json:"stage"`
	Run       api.Run         `json:"run"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Run) event() {}

func (e Run) EventType() string { return "thread.run." + e.Stage }

// Step is a run-step lifecycle event.
type Step struct {
	ID        uuid.UUID       `json:"id"`
	Stage     string          `json:"stage"`
	Step      api.RunStep     `json:"step"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Step) event() {}

func (e Step) EventType() string { return "thread.run.step." + e.Stage }

// ToolCallDelta is one incremental tool-call fragment inside a StepDelta.
// Index identifies the parallel content stream the fragment belongs to.
type ToolCallDelta struct {
	Index      int    `json:"index"`
	ToolCallID string `json:"id,omitempty"`
	Type       string `json:"type"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
}

// StepDelta carries incremental tool-call fragments for a run step.
type StepDelta struct {
	ID        uuid.UUID       `json:"id"`
	StepID    string          `json:"step_id"`
	RunID     string          `json:"run_id"`
	ToolCalls []ToolCallDelta `json:"tool_calls"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (StepDelta) event() {}

func (StepDelta) EventType() string { return "thread.run.step.delta" }

// Message is a message lifecycle event.
type Message struct {
	ID        uuid.UUID       `json:"id"`
	Stage     string          `json:"stage"`
	Message   api.Message     `json:"message"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Message) event() {}

func (e Message) EventType() string { return "thread.message." + e.Stage }

// TextDelta is the text fragment of a ContentDelta.
type TextDelta struct {
	Value       string   `json:"value"`
	Annotations []string `json:"annotations,omitempty"`
}

// ContentDelta is one incremental content fragment inside a MessageDelta,
// keyed by its stable content index.
type ContentDelta struct {
	Index int       `json:"index"`
	Type  string    `json:"type"`
	Text  TextDelta `json:"text"`
}

// MessageDelta carries incremental message content fragments.
type MessageDelta struct {
	ID        uuid.UUID       `json:"id"`
	MessageID string          `json:"message_id"`
	Content   []ContentDelta  `json:"content"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (MessageDelta) event() {}

func (MessageDelta) EventType() string { return "thread.message.delta" }

// Error is a terminal stream error. Once surfaced, no further events are
// relayed for the run.
type Error struct {
	ID        uuid.UUID       `json:"id"`
	RunID     string          `json:"run_id,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Err       error           `json:"error"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Error) event() {}

func (Error) EventType() string { return "error" }

func (e Error) Error() string {
	return fmt.Sprintf("run_id: %s, thread_id: %s, error: %v", e.RunID, e.ThreadID, e.Err)
}

// StreamEnd is the implicit terminal marker that closes an event stream.
type StreamEnd struct {
	ID        uuid.UUID       `json:"id"`
	RunID     string          `json:"run_id"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (StreamEnd) event() {}

func (StreamEnd) EventType() string { return "done" }

// Unknown preserves an event whose type this build does not recognize.
// It is forwarded as-is so that new upstream event types never terminate
// the stream.
type Unknown struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Data      gjson.Result    `json:"data"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Unknown) event() {}

func (e Unknown) EventType() string { return e.Name }
