package events

import (
	"context"
	"fmt"
	"sync"
)

// Sink delivers canonical events to a client transport (SSE, WebSocket,
// message bus). Implementations must be safe for concurrent Send calls.
type Sink interface {
	Send(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// ChannelSink is the in-process Sink: producers push, the transport layer
// drains the channel. One sink is owned per active run-stream.
type ChannelSink struct {
	ch        chan Event
	closeOnce sync.Once
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events exposes the drain side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

func (s *ChannelSink) Send(ctx context.Context, event Event) error {
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sink send: %w", ctx.Err())
	}
}

func (s *ChannelSink) Close(context.Context) error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}
