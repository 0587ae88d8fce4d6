package events

import (
	"context"

	"github.com/parley-ai/parley/api"
)

// Hook receives canonical events as the relay produces them. Components
// that only care about a subset embed NoopHook and override what they
// need.
type Hook interface {
	OnThreadCreated(ctx context.Context, thread api.Thread)
	OnRun(ctx context.Context, event Run)
	OnStep(ctx context.Context, event Step)
	OnStepDelta(ctx context.Context, event StepDelta)
	OnMessage(ctx context.Context, event Message)
	OnMessageDelta(ctx context.Context, event MessageDelta)
	OnError(ctx context.Context, err error)
	OnStreamEnd(ctx context.Context, event StreamEnd)
}

// NoopHook implements Hook with empty methods.
type NoopHook struct{}

var _ Hook = NoopHook{}

func (NoopHook) OnThreadCreated(context.Context, api.Thread) {}
func (NoopHook) OnRun(context.Context, Run)                  {}
func (NoopHook) OnStep(context.Context, Step)                {}
func (NoopHook) OnStepDelta(context.Context, StepDelta)      {}
func (NoopHook) OnMessage(context.Context, Message)          {}
func (NoopHook) OnMessageDelta(context.Context, MessageDelta) {
}
func (NoopHook) OnError(context.Context, error)         {}
func (NoopHook) OnStreamEnd(context.Context, StreamEnd) {}

// Dispatch routes a single event to the matching hook method. Unknown
// events are dropped here; brokers that need them forward the raw payload
// instead.
func Dispatch(ctx context.Context, hook Hook, event Event) {
	switch ev := event.(type) {
	case ThreadCreated:
		hook.OnThreadCreated(ctx, ev.Thread)
	case Run:
		hook.OnRun(ctx, ev)
	case Step:
		hook.OnStep(ctx, ev)
	case StepDelta:
		hook.OnStepDelta(ctx, ev)
	case Message:
		hook.OnMessage(ctx, ev)
	case MessageDelta:
		hook.OnMessageDelta(ctx, ev)
	case Error:
		hook.OnError(ctx, ev.Err)
	case StreamEnd:
		hook.OnStreamEnd(ctx, ev)
	case Unknown:
		// Forward-compatibility: unknown events are ignored, not fatal.
	}
}
