package events

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToJSON frames an event as {"type": ..., "data": ...}. Unknown events
// are re-emitted with their original payload untouched.
func ToJSON(e Event) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch ev := e.(type) {
	case Error:
		data = []byte(`{}`)
		data, err = sjson.SetBytes(data, "id", ev.ID.String())
		if err != nil {
			return nil, err
		}
		if ev.RunID != "" {
			if data, err = sjson.SetBytes(data, "run_id", ev.RunID); err != nil {
				return nil, err
			}
		}
		if ev.ThreadID != "" {
			if data, err = sjson.SetBytes(data, "thread_id", ev.ThreadID); err != nil {
				return nil, err
			}
		}
		if ev.Err != nil {
			if data, err = sjson.SetBytes(data, "error", ev.Err.Error()); err != nil {
				return nil, err
			}
		}
		if !ev.Timestamp.IsZero() {
			if data, err = sjson.SetBytes(data, "timestamp", ev.Timestamp.String()); err != nil {
				return nil, err
			}
		}
	case MessageDelta:
		data, err = messageDeltaJSON(ev)
		if err != nil {
			return nil, err
		}
	case StepDelta:
		data, err = stepDeltaJSON(ev)
		if err != nil {
			return nil, err
		}
	case Unknown:
		data = []byte(ev.Data.Raw)
		if len(data) == 0 {
			data = []byte(`null`)
		}
	default:
		data, err = json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s event: %w", e.EventType(), err)
		}
	}

	out := []byte(`{}`)
	out, err = sjson.SetBytes(out, "type", e.EventType())
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, "data", data)
}

// messageDeltaJSON frames a message delta. The fragments nest under
// delta.content and the top-level id names the message, matching what
// streaming clients parse.
func messageDeltaJSON(ev MessageDelta) ([]byte, error) {
	data := []byte(`{}`)
	var err error
	if data, err = sjson.SetBytes(data, "id", ev.MessageID); err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, "object", "thread.message.delta"); err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, "event_id", ev.ID.String()); err != nil {
		return nil, err
	}
	content, err := json.Marshal(ev.Content)
	if err != nil {
		return nil, err
	}
	if data, err = sjson.SetRawBytes(data, "delta.content", content); err != nil {
		return nil, err
	}
	if !ev.Timestamp.IsZero() {
		if data, err = sjson.SetBytes(data, "timestamp", ev.Timestamp.String()); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// stepDeltaJSON frames a run-step delta. Tool-call fragments nest under
// delta.step_details.tool_calls, each with its payload keyed by the tool
// type.
func stepDeltaJSON(ev StepDelta) ([]byte, error) {
	data := []byte(`{}`)
	var err error
	if data, err = sjson.SetBytes(data, "id", ev.StepID); err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, "object", "thread.run.step.delta"); err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, "event_id", ev.ID.String()); err != nil {
		return nil, err
	}
	if ev.RunID != "" {
		if data, err = sjson.SetBytes(data, "run_id", ev.RunID); err != nil {
			return nil, err
		}
	}
	if data, err = sjson.SetBytes(data, "delta.step_details.type", "tool_calls"); err != nil {
		return nil, err
	}
	if data, err = sjson.SetRawBytes(data, "delta.step_details.tool_calls", []byte(`[]`)); err != nil {
		return nil, err
	}
	for i, call := range ev.ToolCalls {
		tooltype := call.Type
		if tooltype == "" {
			tooltype = "function"
		}
		prefix := fmt.Sprintf("delta.step_details.tool_calls.%d", i)
		if data, err = sjson.SetBytes(data, prefix+".index", call.Index); err != nil {
			return nil, err
		}
		if call.ToolCallID != "" {
			if data, err = sjson.SetBytes(data, prefix+".id", call.ToolCallID); err != nil {
				return nil, err
			}
		}
		if data, err = sjson.SetBytes(data, prefix+".type", tooltype); err != nil {
			return nil, err
		}
		if data, err = sjson.SetBytes(data, prefix+"."+tooltype+".input", call.Input); err != nil {
			return nil, err
		}
		if data, err = sjson.SetBytes(data, prefix+"."+tooltype+".outputs", call.Output); err != nil {
			return nil, err
		}
	}
	if !ev.Timestamp.IsZero() {
		if data, err = sjson.SetBytes(data, "timestamp", ev.Timestamp.String()); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// FromJSON decodes a framed event. Unrecognized type strings yield an
// Unknown event rather than an error, per the forward-compatibility
// contract.
func FromJSON(input []byte) (Event, error) {
	if !gjson.ValidBytes(input) {
		return nil, fmt.Errorf("invalid json: %s", input)
	}

	tpe := gjson.GetBytes(input, "type")
	if !tpe.Exists() {
		return nil, errors.New("missing required field 'type'")
	}
	data := gjson.GetBytes(input, "data")
	name := tpe.String()

	switch {
	case name == "thread.created":
		var ev ThreadCreated
		if err := json.Unmarshal([]byte(data.Raw), &ev); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", name, err)
		}
		return ev, nil
	case name == "thread.run.step.delta":
		ev := StepDelta{
			StepID: data.Get("id").String(),
			RunID:  data.Get("run_id").String(),
		}
		if id := data.Get("event_id"); id.Exists() {
			if err := ev.ID.UnmarshalText([]byte(id.String())); err != nil {
				return nil, fmt.Errorf("invalid %s event id: %w", name, err)
			}
		}
		data.Get("delta.step_details.tool_calls").ForEach(func(_, call gjson.Result) bool {
			delta := ToolCallDelta{
				Index:      int(call.Get("index").Int()),
				ToolCallID: call.Get("id").String(),
				Type:       call.Get("type").String(),
			}
			body := call.Get(delta.Type)
			delta.Input = body.Get("input").String()
			delta.Output = body.Get("outputs").String()
			ev.ToolCalls = append(ev.ToolCalls, delta)
			return true
		})
		if ts := data.Get("timestamp"); ts.Exists() {
			if err := ev.Timestamp.UnmarshalText([]byte(ts.String())); err != nil {
				return nil, fmt.Errorf("invalid %s event timestamp: %w", name, err)
			}
		}
		return ev, nil
	case strings.HasPrefix(name, "thread.run.step."):
		var ev Step
		if err := json.Unmarshal([]byte(data.Raw), &ev); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", name, err)
		}
		ev.Stage = strings.TrimPrefix(name, "thread.run.step.")
		return ev, nil
	case name == "thread.message.delta":
		ev := MessageDelta{MessageID: data.Get("id").String()}
		if id := data.Get("event_id"); id.Exists() {
			if err := ev.ID.UnmarshalText([]byte(id.String())); err != nil {
				return nil, fmt.Errorf("invalid %s event id: %w", name, err)
			}
		}
		if content := data.Get("delta.content"); content.Exists() {
			if err := json.Unmarshal([]byte(content.Raw), &ev.Content); err != nil {
				return nil, fmt.Errorf("invalid %s event: %w", name, err)
			}
		}
		if ts := data.Get("timestamp"); ts.Exists() {
			if err := ev.Timestamp.UnmarshalText([]byte(ts.String())); err != nil {
				return nil, fmt.Errorf("invalid %s event timestamp: %w", name, err)
			}
		}
		return ev, nil
	case strings.HasPrefix(name, "thread.message."):
		var ev Message
		if err := json.Unmarshal([]byte(data.Raw), &ev); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", name, err)
		}
		ev.Stage = strings.TrimPrefix(name, "thread.message.")
		return ev, nil
	case strings.HasPrefix(name, "thread.run."):
		var ev Run
		if err := json.Unmarshal([]byte(data.Raw), &ev); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", name, err)
		}
		ev.Stage = strings.TrimPrefix(name, "thread.run.")
		return ev, nil
	case name == "error":
		ev := Error{}
		if id := data.Get("id"); id.Exists() {
			if err := ev.ID.UnmarshalText([]byte(id.String())); err != nil {
				return nil, fmt.Errorf("invalid error event id: %w", err)
			}
		}
		ev.RunID = data.Get("run_id").String()
		ev.ThreadID = data.Get("thread_id").String()
		if msg := data.Get("error"); msg.Exists() {
			ev.Err = errors.New(msg.String())
		}
		if ts := data.Get("timestamp"); ts.Exists() {
			if err := ev.Timestamp.UnmarshalText([]byte(ts.String())); err != nil {
				return nil, fmt.Errorf("invalid error event timestamp: %w", err)
			}
		}
		return ev, nil
	case name == "done":
		var ev StreamEnd
		if err := json.Unmarshal([]byte(data.Raw), &ev); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", name, err)
		}
		return ev, nil
	default:
		return Unknown{Name: name, Data: data}, nil
	}
}
