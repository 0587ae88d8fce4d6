package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/pkg/jsonx"
	"github.com/parley-ai/parley/provider"
)

// Client implements provider.Client against the OpenAI Assistants API.
type Client struct {
	client *openai.Client
}

// New creates a client. Request options carry the API key, base URL and
// anything else the SDK accepts.
func New(options ...option.RequestOption) *Client {
	return &Client{client: openai.NewClient(options...)}
}

var _ provider.Client = (*Client)(nil)

func (c *Client) CreateThread(ctx context.Context, msgs []api.Message) (api.Thread, error) {
	thread, err := c.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return api.Thread{}, classify(err)
	}

	created := threadFromJSON(gjson.Parse(thread.JSON.RawJSON()))
	for _, msg := range msgs {
		if _, err := c.AddMessage(ctx, created.ID, msg); err != nil {
			return api.Thread{}, err
		}
	}
	return created, nil
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := c.client.Beta.Threads.Delete(ctx, threadID); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) AddMessage(ctx context.Context, threadID string, msg api.Message) (api.Message, error) {
	role := openai.BetaThreadMessageNewParamsRoleUser
	if msg.Role == api.RoleAssistant {
		role = openai.BetaThreadMessageNewParamsRoleAssistant
	}

	created, err := c.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role: openai.F(role),
		Content: openai.F([]openai.MessageContentPartParamUnion{
			openai.TextContentBlockParam{
				Text: openai.String(msg.Content),
				Type: openai.F(openai.TextContentBlockParamTypeText),
			},
		}),
	})
	if err != nil {
		return api.Message{}, classify(err)
	}

	out := messageFromJSON(gjson.Parse(created.JSON.RawJSON()))
	if out.Content == "" {
		out.Content = msg.Content
	}
	if len(out.FileIDs) == 0 {
		out.FileIDs = msg.FileIDs
	}
	return out, nil
}

func (c *Client) CreateRun(ctx context.Context, threadID string, req provider.RunRequest) (api.Run, error) {
	params, err := runParams(req)
	if err != nil {
		return api.Run{}, err
	}

	created, err := c.client.Beta.Threads.Runs.New(ctx, threadID, params)
	if err != nil {
		return api.Run{}, classify(err)
	}
	return runFromJSON(gjson.Parse(created.JSON.RawJSON())), nil
}

func (c *Client) CreateRunStream(ctx context.Context, threadID string, req provider.RunRequest) (<-chan provider.StreamEvent, error) {
	params, err := runParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Beta.Threads.Runs.NewStreaming(ctx, threadID, params)
	out := make(chan provider.StreamEvent, 10)
	go c.pump(ctx, stream, out)
	return out, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (api.Run, error) {
	snapshot, err := c.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return api.Run{}, classify(err)
	}
	return runFromJSON(gjson.Parse(snapshot.JSON.RawJSON())), nil
}

func (c *Client) CancelRun(ctx context.Context, threadID, runID string) (api.Run, error) {
	cancelled, err := c.client.Beta.Threads.Runs.Cancel(ctx, threadID, runID)
	if err != nil {
		return api.Run{}, classify(err)
	}
	return runFromJSON(gjson.Parse(cancelled.JSON.RawJSON())), nil
}

func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []api.ToolOutput) (api.Run, error) {
	resumed, err := c.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, threadID, runID, outputsParams(outputs))
	if err != nil {
		return api.Run{}, classify(err)
	}
	return runFromJSON(gjson.Parse(resumed.JSON.RawJSON())), nil
}

func (c *Client) SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []api.ToolOutput) (<-chan provider.StreamEvent, error) {
	stream := c.client.Beta.Threads.Runs.SubmitToolOutputsStreaming(ctx, threadID, runID, outputsParams(outputs))
	out := make(chan provider.StreamEvent, 10)
	go c.pump(ctx, stream, out)
	return out, nil
}

func (c *Client) pump(ctx context.Context, stream *ssestream.Stream[openai.AssistantStreamEvent], out chan<- provider.StreamEvent) {
	defer close(out)
	defer stream.Close()

	for stream.Next() {
		if ctx.Err() != nil {
			return
		}

		raw := gjson.Parse(stream.Current().JSON.RawJSON())
		event, relevant := translateEvent(raw)
		if !relevant {
			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		select {
		case out <- provider.ErrorEvent{Err: classify(err)}:
		case <-ctx.Done():
		}
	}
}

func runParams(req provider.RunRequest) (openai.BetaThreadRunNewParams, error) {
	params := openai.BetaThreadRunNewParams{
		AssistantID: openai.F(req.AssistantID),
	}
	if strings.TrimSpace(req.Instructions) != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if len(req.Tools) == 0 {
		return params, nil
	}

	tools := make([]openai.AssistantToolUnionParam, len(req.Tools))
	for i, t := range req.Tools {
		if t.Function == nil {
			return openai.BetaThreadRunNewParams{}, fmt.Errorf("tool %s has nil function", t.Name)
		}

		name, schema := t.ToNameAndSchema()
		jv, err := jsonx.ToDynamicJSON(schema)
		if err != nil {
			return openai.BetaThreadRunNewParams{}, fmt.Errorf("convert schema for tool %s: %w", t.Name, err)
		}

		def := openai.FunctionDefinitionParam{
			Name:       openai.String(name),
			Parameters: openai.F(shared.FunctionParameters(jv)),
		}
		if strings.TrimSpace(t.Description) != "" {
			def.Description = openai.String(t.Description)
		}

		tools[i] = openai.FunctionToolParam{
			Type:     openai.F(openai.FunctionToolTypeFunction),
			Function: openai.F(def),
		}
	}
	params.Tools = openai.F(tools)
	return params, nil
}

func outputsParams(outputs []api.ToolOutput) openai.BetaThreadRunSubmitToolOutputsParams {
	converted := make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, len(outputs))
	for i, out := range outputs {
		converted[i] = openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(out.ToolCallID),
			Output:     openai.String(out.Output),
		}
	}
	return openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: openai.F(converted),
	}
}
