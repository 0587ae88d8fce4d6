package api

import (
	"slices"

	"github.com/go-openapi/strfmt"
)

// RunStatus is the lifecycle state of a run. Statuses only move forward
// through the transition table; no transition revisits a prior
// non-terminal state.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunIncomplete     RunStatus = "incomplete"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
)

// runTransitions is the complete set of legal run state transitions.
// "expired" is reachable from any non-terminal state through the watchdog,
// which is why it appears in every non-terminal row.
var runTransitions = map[RunStatus][]RunStatus{
	RunQueued: {
		RunInProgress, RunCancelling, RunCancelled, RunFailed, RunExpired,
	},
	RunInProgress: {
		RunRequiresAction, RunCompleted, RunIncomplete, RunFailed,
		RunCancelling, RunCancelled, RunExpired,
	},
	RunRequiresAction: {
		RunInProgress, RunCancelling, RunExpired, RunFailed,
	},
	RunCancelling: {
		RunCancelled, RunExpired,
	},
}

// Terminal reports whether the status is a final state. Terminal runs are
// never mutated again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunIncomplete, RunFailed, RunCancelled, RunExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is allowed by the
// state machine.
func (s RunStatus) CanTransition(next RunStatus) bool {
	return slices.Contains(runTransitions[s], next)
}

// ToolCallState tracks the resolution of a single provider-requested
// function call.
type ToolCallState string

const (
	ToolCallPending  ToolCallState = "pending"
	ToolCallResolved ToolCallState = "resolved"
	ToolCallFailed   ToolCallState = "failed"
)

// ToolCall is a provider-requested invocation of a locally registered
// function. Arguments hold the raw JSON payload exactly as the provider
// sent it.
type ToolCall struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	State     ToolCallState `json:"state"`
	Output    string        `json:"output,omitempty"`
	Failure   string        `json:"failure,omitempty"`
}

// ToolOutput is the caller-supplied resolution for one pending tool call.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	Failed     bool   `json:"failed,omitempty"`
}

// Run is one attempt by the assistant to produce output for a thread.
// PendingToolCalls is non-empty iff Status == RunRequiresAction.
type Run struct {
	ID               string          `json:"id"`
	ThreadID         string          `json:"thread_id"`
	AssistantID      string          `json:"assistant_id"`
	Status           RunStatus       `json:"status"`
	CreatedAt        strfmt.DateTime `json:"created_at"`
	LastTransitionAt strfmt.DateTime `json:"last_transition_at"`
	PendingToolCalls []ToolCall      `json:"pending_tool_calls,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
}

// RunStepType distinguishes the two kinds of run sub-events.
type RunStepType string

const (
	StepMessageCreation RunStepType = "message_creation"
	StepToolCalls       RunStepType = "tool_calls"
)

// RunStepStatus mirrors the subset of run statuses a step can take.
type RunStepStatus string

const (
	StepCreated    RunStepStatus = "created"
	StepInProgress RunStepStatus = "in_progress"
	StepCompleted  RunStepStatus = "completed"
	StepFailed     RunStepStatus = "failed"
	StepCancelled  RunStepStatus = "cancelled"
	StepExpired    RunStepStatus = "expired"
)

// RunStep is an ordered sub-event of a run: either the creation of a
// message or a batch of tool invocations.
type RunStep struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      RunStepType     `json:"type"`
	Status    RunStepStatus   `json:"status"`
	MessageID string          `json:"message_id,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	CreatedAt strfmt.DateTime `json:"created_at"`
}
