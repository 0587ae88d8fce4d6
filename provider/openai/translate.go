package openai

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/provider"
)

func runFromJSON(data gjson.Result) api.Run {
	run := api.Run{
		ID:          data.Get("id").String(),
		ThreadID:    data.Get("thread_id").String(),
		AssistantID: data.Get("assistant_id").String(),
		Status:      api.RunStatus(data.Get("status").String()),
	}
	if created := data.Get("created_at"); created.Exists() {
		run.CreatedAt = strfmt.DateTime(time.Unix(created.Int(), 0).UTC())
	}
	if usage := data.Get("usage"); usage.IsObject() {
		run.Usage = &api.Usage{
			PromptTokens:     usage.Get("prompt_tokens").Int(),
			CompletionTokens: usage.Get("completion_tokens").Int(),
			TotalTokens:      usage.Get("total_tokens").Int(),
		}
	}
	if lastErr := data.Get("last_error"); lastErr.IsObject() {
		run.LastError = fmt.Sprintf("%s: %s",
			lastErr.Get("code").String(), lastErr.Get("message").String())
	}
	for _, call := range data.Get("required_action.submit_tool_outputs.tool_calls").Array() {
		run.PendingToolCalls = append(run.PendingToolCalls, api.ToolCall{
			ID:        call.Get("id").String(),
			Name:      call.Get("function.name").String(),
			Arguments: call.Get("function.arguments").String(),
			State:     api.ToolCallPending,
		})
	}
	return run
}

func threadFromJSON(data gjson.Result) api.Thread {
	thread := api.Thread{
		ID:     data.Get("id").String(),
		Status: api.ThreadActive,
	}
	if created := data.Get("created_at"); created.Exists() {
		thread.CreatedAt = strfmt.DateTime(time.Unix(created.Int(), 0).UTC())
	}
	return thread
}

func messageFromJSON(data gjson.Result) api.Message {
	msg := api.Message{
		ID:       data.Get("id").String(),
		ThreadID: data.Get("thread_id").String(),
		Role:     api.MessageRole(data.Get("role").String()),
		Status:   api.MessageStatus(data.Get("status").String()),
	}
	if msg.Status == "" {
		msg.Status = api.MessageCompleted
	}
	if created := data.Get("created_at"); created.Exists() {
		msg.CreatedAt = strfmt.DateTime(time.Unix(created.Int(), 0).UTC())
	}

	var content strings.Builder
	for _, block := range data.Get("content").Array() {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text.value").String())
		}
	}
	msg.Content = content.String()

	for _, attachment := range data.Get("attachments").Array() {
		if fileID := attachment.Get("file_id").String(); fileID != "" {
			msg.FileIDs = append(msg.FileIDs, fileID)
		}
	}
	return msg
}

func stepFromJSON(data gjson.Result) api.RunStep {
	step := api.RunStep{
		ID:     data.Get("id").String(),
		RunID:  data.Get("run_id").String(),
		Type:   api.RunStepType(data.Get("type").String()),
		Status: api.RunStepStatus(data.Get("status").String()),
	}
	if created := data.Get("created_at"); created.Exists() {
		step.CreatedAt = strfmt.DateTime(time.Unix(created.Int(), 0).UTC())
	}
	step.MessageID = data.Get("step_details.message_creation.message_id").String()
	for _, call := range data.Get("step_details.tool_calls").Array() {
		step.ToolCalls = append(step.ToolCalls, api.ToolCall{
			ID:        call.Get("id").String(),
			Name:      call.Get("function.name").String(),
			Arguments: call.Get("function.arguments").String(),
		})
	}
	return step
}

// translateEvent maps one raw SSE entry to a provider event. The second
// return is false for entries the relay has no use for, like the stream
// terminator.
func translateEvent(raw gjson.Result) (provider.StreamEvent, bool) {
	name := raw.Get("event").String()
	data := raw.Get("data")

	switch {
	case name == "done":
		return nil, false
	case name == "error":
		message := data.Get("message").String()
		if message == "" {
			message = data.Raw
		}
		return provider.ErrorEvent{Err: errors.New(message)}, true
	case name == "thread.created":
		// Threads are created through the unary call; the stream echo
		// carries nothing new.
		return nil, false
	case strings.HasPrefix(name, "thread.run.step.delta"):
		var calls []provider.ToolCallFragment
		for _, frag := range data.Get("delta.step_details.tool_calls").Array() {
			calls = append(calls, provider.ToolCallFragment{
				Index:  int(frag.Get("index").Int()),
				ID:     frag.Get("id").String(),
				Type:   frag.Get("type").String(),
				Input:  frag.Get("function.arguments").String(),
				Output: frag.Get("function.output").String(),
			})
		}
		return provider.StepDeltaEvent{
			StepID:    data.Get("id").String(),
			RunID:     data.Get("run_id").String(),
			ToolCalls: calls,
		}, true
	case strings.HasPrefix(name, "thread.run.step."):
		return provider.StepEvent{
			Stage: strings.TrimPrefix(name, "thread.run.step."),
			Step:  stepFromJSON(data),
		}, true
	case strings.HasPrefix(name, "thread.run."):
		return provider.RunEvent{
			Stage: strings.TrimPrefix(name, "thread.run."),
			Run:   runFromJSON(data),
		}, true
	case name == "thread.message.delta":
		var content []provider.TextFragment
		for _, frag := range data.Get("delta.content").Array() {
			if frag.Get("type").String() != "text" {
				continue
			}
			fragment := provider.TextFragment{
				Index: int(frag.Get("index").Int()),
				Value: frag.Get("text.value").String(),
			}
			for _, ann := range frag.Get("text.annotations").Array() {
				fragment.Annotations = append(fragment.Annotations, ann.Get("text").String())
			}
			content = append(content, fragment)
		}
		return provider.MessageDeltaEvent{
			MessageID: data.Get("id").String(),
			Content:   content,
		}, true
	case strings.HasPrefix(name, "thread.message."):
		return provider.MessageEvent{
			Stage:   strings.TrimPrefix(name, "thread.message."),
			Message: messageFromJSON(data),
		}, true
	default:
		return provider.UnknownEvent{Name: name, Data: data}, true
	}
}

// classify maps SDK transport failures onto the error taxonomy so the
// retry layer can tell transient from permanent.
func classify(err error) error {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return err
	}

	if apierr.StatusCode == 429 {
		retryAfter := time.Duration(0)
		if apierr.Response != nil {
			if header := apierr.Response.Header.Get("Retry-After"); header != "" {
				if seconds, perr := time.ParseDuration(header + "s"); perr == nil {
					retryAfter = seconds
				}
			}
		}
		return &api.RateLimitError{RetryAfter: retryAfter, Err: err}
	}
	return &api.ProviderError{Status: apierr.StatusCode, Err: err}
}
