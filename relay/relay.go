package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/events"
	"github.com/parley-ai/parley/pkg/slogx"
	"github.com/parley-ai/parley/pkg/uuidx"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/store"
	"github.com/parley-ai/parley/usage"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollBudget   = 2 * time.Minute
)

// Result is the outcome of relaying one feed segment. Run is the last
// known run snapshot; Messages are the messages completed while the
// segment was live.
type Result struct {
	Run      api.Run
	Messages []api.Message
}

// Relay drives one provider feed at a time into a sink.
type Relay struct {
	snapshots  store.Snapshots
	controller *run.Controller
	provider   provider.Client

	pollInterval time.Duration
	pollBudget   time.Duration
	now          func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithPollInterval sets the polling cadence of the fallback loop.
func WithPollInterval(interval time.Duration) Option {
	return func(r *Relay) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithPollBudget bounds how long the fallback polls before giving up.
func WithPollBudget(budget time.Duration) Option {
	return func(r *Relay) {
		if budget > 0 {
			r.pollBudget = budget
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// New creates a relay.
func New(snapshots store.Snapshots, controller *run.Controller, prov provider.Client, options ...Option) *Relay {
	r := &Relay{
		snapshots:    snapshots,
		controller:   controller,
		provider:     prov,
		pollInterval: defaultPollInterval,
		pollBudget:   defaultPollBudget,
		now:          time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// streamState accumulates what one feed segment has produced so far.
type streamState struct {
	threadID string
	run      api.Run
	haveRun  bool
	halted   bool

	buffers   map[string]*messageBuffer
	completed []api.Message
}

type messageBuffer struct {
	meta  api.Message
	parts map[int]*strings.Builder
}

func (s *streamState) bufferFor(messageID string) *messageBuffer {
	buf, ok := s.buffers[messageID]
	if !ok {
		buf = &messageBuffer{parts: make(map[int]*strings.Builder)}
		s.buffers[messageID] = buf
	}
	return buf
}

// merged concatenates the accumulated fragments in index order.
func (b *messageBuffer) merged() string {
	indices := make([]int, 0, len(b.parts))
	for idx := range b.parts {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var sb strings.Builder
	for _, idx := range indices {
		sb.WriteString(b.parts[idx].String())
	}
	return sb.String()
}

// Stream consumes one provider feed to its end, forwarding each event
// through the sink as it arrives. It returns when the run reaches a
// terminal state, pauses for tool outputs, or surfaces a stream error.
func (r *Relay) Stream(ctx context.Context, threadID string, feed <-chan provider.StreamEvent, sink events.Sink) (Result, error) {
	state := &streamState{
		threadID: threadID,
		buffers:  make(map[string]*messageBuffer),
	}

	for {
		select {
		case <-ctx.Done():
			return state.result(), ctx.Err()
		case ev, open := <-feed:
			if !open {
				if state.halted || state.run.Status.Terminal() || state.run.Status == api.RunRequiresAction {
					return state.result(), nil
				}
				return r.pollFallback(ctx, state, sink)
			}
			if err := r.handle(ctx, state, ev, sink); err != nil {
				return state.result(), err
			}
			if state.halted {
				return state.result(), nil
			}
		}
	}
}

func (s *streamState) result() Result {
	return Result{Run: s.run, Messages: s.completed}
}

func (r *Relay) handle(ctx context.Context, state *streamState, ev provider.StreamEvent, sink events.Sink) error {
	switch ev := ev.(type) {
	case provider.RunEvent:
		return r.handleRun(ctx, state, ev, sink)
	case provider.StepEvent:
		return sink.Send(ctx, events.Step{
			ID:        uuidx.New(),
			Stage:     ev.Stage,
			Step:      ev.Step,
			Timestamp: strfmt.DateTime(r.now()),
		})
	case provider.StepDeltaEvent:
		deltas := make([]events.ToolCallDelta, len(ev.ToolCalls))
		for i, frag := range ev.ToolCalls {
			deltas[i] = events.ToolCallDelta{
				Index:      frag.Index,
				ToolCallID: frag.ID,
				Type:       frag.Type,
				Input:      frag.Input,
				Output:     frag.Output,
			}
		}
		return sink.Send(ctx, events.StepDelta{
			ID:        uuidx.New(),
			StepID:    ev.StepID,
			RunID:     ev.RunID,
			ToolCalls: deltas,
			Timestamp: strfmt.DateTime(r.now()),
		})
	case provider.MessageEvent:
		return r.handleMessage(ctx, state, ev, sink)
	case provider.MessageDeltaEvent:
		return r.handleMessageDelta(ctx, state, ev, sink)
	case provider.ErrorEvent:
		return r.handleError(ctx, state, ev, sink)
	case provider.UnknownEvent:
		// Never terminate the stream over an event this build predates.
		return sink.Send(ctx, events.Unknown{
			ID:        uuidx.New(),
			Name:      ev.Name,
			Data:      ev.Data,
			Timestamp: strfmt.DateTime(r.now()),
		})
	default:
		slog.Warn("dropping unhandled provider event", slog.String("type", fmt.Sprintf("%T", ev)))
		return nil
	}
}

func (r *Relay) handleRun(ctx context.Context, state *streamState, ev provider.RunEvent, sink events.Sink) error {
	current := ev.Run

	if !state.haveRun || ev.Stage == "created" {
		registered, err := r.controller.Register(ctx, current)
		if err != nil {
			return err
		}
		state.haveRun = true
		state.run = registered
		if registered.Status.Terminal() {
			// The run settled out-of-band (watchdog, forced cancel) while
			// this segment was opening. Surface the settled state instead of
			// replaying stale signals.
			state.halted = true
			return r.sendRun(ctx, sink, string(registered.Status), registered)
		}
		if ev.Stage == "created" || ev.Stage == string(api.RunQueued) {
			return r.sendRun(ctx, sink, ev.Stage, registered)
		}
	}

	status := api.RunStatus(ev.Stage)
	updated, err := r.controller.Advance(ctx, current.ID, status, func(run *api.Run) {
		if current.Usage != nil {
			run.Usage = current.Usage
		}
		if current.LastError != "" {
			run.LastError = current.LastError
		}
		if status == api.RunRequiresAction {
			run.PendingToolCalls = current.PendingToolCalls
		}
	})
	if err != nil {
		var invalid *api.InvalidTransitionError
		if errors.As(err, &invalid) {
			slog.Warn("ignoring out-of-order run signal",
				slog.String("run_id", current.ID),
				slog.String("from", string(invalid.From)), slog.String("to", string(invalid.To)))
			return nil
		}
		return err
	}

	state.run = updated
	if updated.Status.Terminal() || updated.Status == api.RunRequiresAction {
		state.halted = true
	}
	return r.sendRun(ctx, sink, ev.Stage, updated)
}

func (r *Relay) sendRun(ctx context.Context, sink events.Sink, stage string, snapshot api.Run) error {
	return sink.Send(ctx, events.Run{
		ID:        uuidx.New(),
		Stage:     stage,
		Run:       snapshot,
		Timestamp: strfmt.DateTime(r.now()),
	})
}

func (r *Relay) handleMessage(ctx context.Context, state *streamState, ev provider.MessageEvent, sink events.Sink) error {
	msg := ev.Message
	buf := state.bufferFor(msg.ID)
	if buf.meta.ID == "" {
		buf.meta = msg
	}

	if ev.Stage == string(api.MessageCompleted) || ev.Stage == string(api.MessageIncomplete) {
		if msg.Content == "" {
			msg.Content = buf.merged()
		}
		if msg.Tokens == 0 {
			msg.Tokens = int(usage.EstimateTokens(msg.Content))
		}
		if err := r.snapshots.PutMessage(ctx, msg); err != nil {
			return fmt.Errorf("persist message %s: %w", msg.ID, err)
		}
		state.completed = append(state.completed, msg)
		delete(state.buffers, msg.ID)
	}

	return sink.Send(ctx, events.Message{
		ID:        uuidx.New(),
		Stage:     ev.Stage,
		Message:   msg,
		Timestamp: strfmt.DateTime(r.now()),
	})
}

func (r *Relay) handleMessageDelta(ctx context.Context, state *streamState, ev provider.MessageDeltaEvent, sink events.Sink) error {
	buf := state.bufferFor(ev.MessageID)
	deltas := make([]events.ContentDelta, len(ev.Content))
	for i, frag := range ev.Content {
		part, ok := buf.parts[frag.Index]
		if !ok {
			part = &strings.Builder{}
			buf.parts[frag.Index] = part
		}
		part.WriteString(frag.Value)

		deltas[i] = events.ContentDelta{
			Index: frag.Index,
			Type:  "text",
			Text:  events.TextDelta{Value: frag.Value, Annotations: frag.Annotations},
		}
	}

	// Fragments go out as they came in; merging only feeds the buffer.
	return sink.Send(ctx, events.MessageDelta{
		ID:        uuidx.New(),
		MessageID: ev.MessageID,
		Content:   deltas,
		Timestamp: strfmt.DateTime(r.now()),
	})
}

func (r *Relay) handleError(ctx context.Context, state *streamState, ev provider.ErrorEvent, sink events.Sink) error {
	state.halted = true

	if state.haveRun && !state.run.Status.Terminal() {
		updated, err := r.controller.Advance(ctx, state.run.ID, api.RunFailed, func(run *api.Run) {
			run.LastError = ev.Err.Error()
		})
		if err != nil {
			slog.Warn("could not record run failure", slog.String("run_id", state.run.ID), slogx.Error(err))
		} else {
			state.run = updated
		}
	}

	return sink.Send(ctx, events.Error{
		ID:        uuidx.New(),
		RunID:     state.run.ID,
		ThreadID:  state.threadID,
		Err:       ev.Err,
		Timestamp: strfmt.DateTime(r.now()),
	})
}

// pollFallback takes over when the transport broke mid-run: the run
// snapshot endpoint becomes the source of truth and the terminal event is
// synthesized from it.
func (r *Relay) pollFallback(ctx context.Context, state *streamState, sink events.Sink) (Result, error) {
	if !state.haveRun {
		// Nothing to poll against; free the thread instead of leaving it
		// leased to a run that never surfaced. The caller turns this into
		// the terminal error event.
		r.controller.Release(state.threadID)
		return state.result(), fmt.Errorf("stream interrupted before a run was created on thread %s", state.threadID)
	}

	slog.Info("stream interrupted, falling back to polling",
		slog.String("run_id", state.run.ID), slog.String("thread_id", state.threadID))

	deadline := r.now().Add(r.pollBudget)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return state.result(), ctx.Err()
		case <-ticker.C:
		}

		snapshot, err := r.provider.GetRun(ctx, state.threadID, state.run.ID)
		if err != nil {
			slog.Warn("poll failed", slog.String("run_id", state.run.ID), slogx.Error(err))
			if r.now().After(deadline) {
				return state.result(), &api.TimeoutError{
					Subject: fmt.Sprintf("polling run %s", state.run.ID),
					Budget:  r.pollBudget,
				}
			}
			continue
		}

		if snapshot.Status.Terminal() || snapshot.Status == api.RunRequiresAction {
			if err := r.handleRun(ctx, state, provider.RunEvent{Stage: string(snapshot.Status), Run: snapshot}, sink); err != nil {
				return state.result(), err
			}
			return state.result(), nil
		}

		if r.now().After(deadline) {
			return state.result(), &api.TimeoutError{
				Subject: fmt.Sprintf("polling run %s", state.run.ID),
				Budget:  r.pollBudget,
			}
		}
	}
}
