package provider

import (
	"context"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/tool"
)

// RunRequest carries everything the provider needs to start a run on a
// thread.
type RunRequest struct {
	AssistantID  string
	Instructions string
	Tools        []tool.Definition
}

// Client is the surface the orchestration core consumes from an assistant
// provider. Streaming variants return a channel the adapter closes when
// the provider feed ends; the unary variants exist for the polling
// fallback and for non-streaming control operations.
type Client interface {
	// CreateThread creates a conversation thread seeded with the given
	// messages.
	CreateThread(ctx context.Context, msgs []api.Message) (api.Thread, error)

	// DeleteThread removes a provider-side thread.
	DeleteThread(ctx context.Context, threadID string) error

	// AddMessage appends a message to an existing thread.
	AddMessage(ctx context.Context, threadID string, msg api.Message) (api.Message, error)

	// CreateRun starts a run without streaming.
	CreateRun(ctx context.Context, threadID string, req RunRequest) (api.Run, error)

	// CreateRunStream starts a run and returns its event feed.
	CreateRunStream(ctx context.Context, threadID string, req RunRequest) (<-chan StreamEvent, error)

	// GetRun fetches the current snapshot of a run.
	GetRun(ctx context.Context, threadID, runID string) (api.Run, error)

	// CancelRun requests upstream cancellation. Cancellation is
	// cooperative: the run transitions to cancelling upstream and the
	// feed reports the final state.
	CancelRun(ctx context.Context, threadID, runID string) (api.Run, error)

	// SubmitToolOutputs resolves every pending tool call of a paused run
	// in one batch. The provider rejects partial submissions.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []api.ToolOutput) (api.Run, error)

	// SubmitToolOutputsStream is SubmitToolOutputs with the continuation
	// feed of the resumed run.
	SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []api.ToolOutput) (<-chan StreamEvent, error)
}
