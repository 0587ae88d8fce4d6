package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/events"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/store"
)

// pollClient only implements what the relay and controller touch.
type pollClient struct {
	provider.Client
	getRun func() (api.Run, error)
}

func (c *pollClient) GetRun(context.Context, string, string) (api.Run, error) {
	if c.getRun == nil {
		return api.Run{}, errors.New("not scripted")
	}
	return c.getRun()
}

func (c *pollClient) CancelRun(_ context.Context, _ string, runID string) (api.Run, error) {
	return api.Run{ID: runID, Status: api.RunCancelling}, nil
}

func (c *pollClient) AddMessage(_ context.Context, threadID string, msg api.Message) (api.Message, error) {
	msg.ID = "msg_user"
	msg.ThreadID = threadID
	return msg, nil
}

func (c *pollClient) CreateRunStream(context.Context, string, provider.RunRequest) (<-chan provider.StreamEvent, error) {
	feed := make(chan provider.StreamEvent)
	close(feed)
	return feed, nil
}

func feedOf(evs ...provider.StreamEvent) <-chan provider.StreamEvent {
	feed := make(chan provider.StreamEvent, len(evs))
	for _, ev := range evs {
		feed <- ev
	}
	close(feed)
	return feed
}

func drain(sink *events.ChannelSink) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sink.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.EventType()
	}
	return out
}

func newRelay(t *testing.T, prov provider.Client) (*Relay, *run.Controller, *store.MemoryStore) {
	t.Helper()
	st := store.Memory()
	controller := run.New(st, prov)
	return New(st, controller, prov, WithPollInterval(10*time.Millisecond), WithPollBudget(time.Second)), controller, st
}

func baseRun(status api.RunStatus) api.Run {
	return api.Run{ID: "run_1", ThreadID: "th_1", AssistantID: "asst_1", Status: status}
}

func TestStreamHappyPath(t *testing.T) {
	ctx := context.Background()
	r, _, st := newRelay(t, &pollClient{})
	sink := events.NewChannelSink(50)

	feed := feedOf(
		provider.RunEvent{Stage: "created", Run: baseRun(api.RunQueued)},
		provider.RunEvent{Stage: "queued", Run: baseRun(api.RunQueued)},
		provider.RunEvent{Stage: "in_progress", Run: baseRun(api.RunInProgress)},
		provider.StepEvent{Stage: "created", Step: api.RunStep{ID: "step_1", RunID: "run_1", Type: api.StepMessageCreation}},
		provider.MessageEvent{Stage: "created", Message: api.Message{ID: "msg_1", ThreadID: "th_1", Role: api.RoleAssistant}},
		provider.MessageDeltaEvent{MessageID: "msg_1", Content: []provider.TextFragment{{Index: 0, Value: "Hel"}}},
		provider.MessageDeltaEvent{MessageID: "msg_1", Content: []provider.TextFragment{{Index: 0, Value: "lo"}}},
		provider.MessageEvent{Stage: "completed", Message: api.Message{ID: "msg_1", ThreadID: "th_1", Role: api.RoleAssistant}},
		provider.RunEvent{Stage: "completed", Run: func() api.Run {
			r := baseRun(api.RunCompleted)
			r.Usage = &api.Usage{TotalTokens: 12}
			return r
		}()},
	)

	result, err := r.Stream(ctx, "th_1", feed, sink)
	require.NoError(t, err)
	assert.Equal(t, api.RunCompleted, result.Run.Status)
	require.NotNil(t, result.Run.Usage)
	assert.EqualValues(t, 12, result.Run.Usage.TotalTokens)

	got := drain(sink)
	assert.Equal(t, []string{
		"thread.run.created",
		"thread.run.queued",
		"thread.run.in_progress",
		"thread.run.step.created",
		"thread.message.created",
		"thread.message.delta",
		"thread.message.delta",
		"thread.message.completed",
		"thread.run.completed",
	}, eventTypes(got))

	t.Run("deltas are merged into the persisted message", func(t *testing.T) {
		msg, ok, err := st.GetMessage(ctx, "msg_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Hello", msg.Content)
		assert.NotZero(t, msg.Tokens)
	})

	t.Run("completed message is part of the result", func(t *testing.T) {
		require.Len(t, result.Messages, 1)
		assert.Equal(t, "Hello", result.Messages[0].Content)
	})
}

func TestStreamRequiresAction(t *testing.T) {
	ctx := context.Background()
	r, controller, _ := newRelay(t, &pollClient{})
	sink := events.NewChannelSink(50)

	paused := baseRun(api.RunRequiresAction)
	paused.PendingToolCalls = []api.ToolCall{
		{ID: "call_1", Name: "get_weather", Arguments: `{"location":"Utrecht"}`, State: api.ToolCallPending},
	}

	feed := feedOf(
		provider.RunEvent{Stage: "created", Run: baseRun(api.RunQueued)},
		provider.RunEvent{Stage: "in_progress", Run: baseRun(api.RunInProgress)},
		provider.RunEvent{Stage: "requires_action", Run: paused},
	)

	result, err := r.Stream(ctx, "th_1", feed, sink)
	require.NoError(t, err)
	assert.Equal(t, api.RunRequiresAction, result.Run.Status)
	require.Len(t, result.Run.PendingToolCalls, 1)
	assert.Equal(t, "get_weather", result.Run.PendingToolCalls[0].Name)

	// The thread stays leased while the run waits for outputs.
	runID, held := controller.ActiveRun("th_1")
	require.True(t, held)
	assert.Equal(t, "run_1", runID)
}

func TestStreamErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	r, _, st := newRelay(t, &pollClient{})
	sink := events.NewChannelSink(50)

	feed := make(chan provider.StreamEvent, 10)
	feed <- provider.RunEvent{Stage: "created", Run: baseRun(api.RunQueued)}
	feed <- provider.RunEvent{Stage: "in_progress", Run: baseRun(api.RunInProgress)}
	feed <- provider.ErrorEvent{Err: errors.New("upstream exploded")}
	// Anything after the error must not be relayed.
	feed <- provider.MessageDeltaEvent{MessageID: "msg_1", Content: []provider.TextFragment{{Value: "late"}}}
	close(feed)

	result, err := r.Stream(ctx, "th_1", feed, sink)
	require.NoError(t, err)
	assert.Equal(t, api.RunFailed, result.Run.Status)

	got := drain(sink)
	types := eventTypes(got)
	require.NotEmpty(t, types)
	assert.Equal(t, "error", types[len(types)-1])

	run, ok, err := st.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, api.RunFailed, run.Status)
	assert.Contains(t, run.LastError, "upstream exploded")
}

func TestStreamPollFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("synthesizes the terminal event from the snapshot", func(t *testing.T) {
		polled := baseRun(api.RunCompleted)
		polled.Usage = &api.Usage{TotalTokens: 7}
		prov := &pollClient{getRun: func() (api.Run, error) { return polled, nil }}

		r, _, st := newRelay(t, prov)
		sink := events.NewChannelSink(50)

		// The feed dies after in_progress without a terminal signal.
		feed := feedOf(
			provider.RunEvent{Stage: "created", Run: baseRun(api.RunQueued)},
			provider.RunEvent{Stage: "in_progress", Run: baseRun(api.RunInProgress)},
		)

		result, err := r.Stream(ctx, "th_1", feed, sink)
		require.NoError(t, err)
		assert.Equal(t, api.RunCompleted, result.Run.Status)

		types := eventTypes(drain(sink))
		assert.Equal(t, "thread.run.completed", types[len(types)-1])

		run, ok, err := st.GetRun(ctx, "run_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, api.RunCompleted, run.Status)
	})

	t.Run("gives up after the poll budget", func(t *testing.T) {
		prov := &pollClient{getRun: func() (api.Run, error) {
			return baseRun(api.RunInProgress), nil
		}}
		st := store.Memory()
		controller := run.New(st, prov)
		r := New(st, controller, prov,
			WithPollInterval(5*time.Millisecond), WithPollBudget(30*time.Millisecond))
		sink := events.NewChannelSink(50)

		feed := feedOf(
			provider.RunEvent{Stage: "created", Run: baseRun(api.RunQueued)},
			provider.RunEvent{Stage: "in_progress", Run: baseRun(api.RunInProgress)},
		)

		_, err := r.Stream(ctx, "th_1", feed, sink)
		var timeout *api.TimeoutError
		require.ErrorAs(t, err, &timeout)
	})

	t.Run("stream dying before any run frees the thread", func(t *testing.T) {
		r, controller, _ := newRelay(t, &pollClient{})
		sink := events.NewChannelSink(50)

		// Start takes the lease and hands back a feed that dies before the
		// provider ever announced a run.
		feed, err := controller.Start(ctx, api.Thread{ID: "th_1"}, api.Message{}, provider.RunRequest{})
		require.NoError(t, err)

		_, serr := r.Stream(ctx, "th_1", feed, sink)
		require.Error(t, serr)

		_, held := controller.ActiveRun("th_1")
		assert.False(t, held)
	})
}

func TestStreamSettledRunNotRevived(t *testing.T) {
	ctx := context.Background()
	r, _, st := newRelay(t, &pollClient{})
	sink := events.NewChannelSink(50)

	// The watchdog settled the run while this feed segment was opening;
	// the stale signal must not resurrect it.
	require.NoError(t, st.PutRun(ctx, baseRun(api.RunExpired)))

	feed := feedOf(provider.RunEvent{Stage: "in_progress", Run: baseRun(api.RunInProgress)})
	result, err := r.Stream(ctx, "th_1", feed, sink)
	require.NoError(t, err)
	assert.Equal(t, api.RunExpired, result.Run.Status)

	types := eventTypes(drain(sink))
	assert.Equal(t, []string{"thread.run.expired"}, types)

	run, _, err := st.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, api.RunExpired, run.Status)
}

func TestStreamUnknownEventsForwarded(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRelay(t, &pollClient{})
	sink := events.NewChannelSink(50)

	feed := feedOf(
		provider.RunEvent{Stage: "created", Run: baseRun(api.RunQueued)},
		provider.UnknownEvent{Name: "thread.run.audit"},
		provider.RunEvent{Stage: "in_progress", Run: baseRun(api.RunInProgress)},
		provider.RunEvent{Stage: "completed", Run: baseRun(api.RunCompleted)},
	)

	result, err := r.Stream(ctx, "th_1", feed, sink)
	require.NoError(t, err)
	assert.Equal(t, api.RunCompleted, result.Run.Status)

	types := eventTypes(drain(sink))
	assert.Contains(t, types, "thread.run.audit")
}
