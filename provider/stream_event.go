package provider

import (
	"github.com/tidwall/gjson"

	"github.com/parley-ai/parley/api"
)

// StreamEvent is a typed envelope from the provider's event feed. The
// relay translates these 1:1 into the canonical taxonomy; nothing
// downstream of it ever sees provider framing.
type StreamEvent interface {
	streamEvent()
}

// RunEvent is a run lifecycle signal. Stage is "created" for the initial
// announcement, otherwise the run status.
type RunEvent struct {
	Stage string
	Run   api.Run
}

func (RunEvent) streamEvent() {}

// StepEvent is a run-step lifecycle signal.
type StepEvent struct {
	Stage string
	Step  api.RunStep
}

func (StepEvent) streamEvent() {}

// ToolCallFragment is one incremental tool-call fragment. Index names the
// parallel content stream the fragment extends.
type ToolCallFragment struct {
	Index  int
	ID     string
	Type   string
	Input  string
	Output string
}

// StepDeltaEvent carries tool-call fragments for a streaming run step.
type StepDeltaEvent struct {
	StepID    string
	RunID     string
	ToolCalls []ToolCallFragment
}

func (StepDeltaEvent) streamEvent() {}

// MessageEvent is a message lifecycle signal.
type MessageEvent struct {
	Stage   string
	Message api.Message
}

func (MessageEvent) streamEvent() {}

// TextFragment is one incremental text fragment of a streaming message.
type TextFragment struct {
	Index       int
	Value       string
	Annotations []string
}

// MessageDeltaEvent carries text fragments for a streaming message.
type MessageDeltaEvent struct {
	MessageID string
	Content   []TextFragment
}

func (MessageDeltaEvent) streamEvent() {}

// ErrorEvent terminates the feed for a run.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) streamEvent() {}

// UnknownEvent preserves a feed entry this build does not recognize so the
// relay can forward or ignore it without dropping the stream.
type UnknownEvent struct {
	Name string
	Data gjson.Result
}

func (UnknownEvent) streamEvent() {}
