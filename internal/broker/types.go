package broker

import (
	"context"

	"github.com/parley-ai/parley/events"
)

// Broker hands out named topics carrying canonical stream events.
type Broker interface {
	Topic(ctx context.Context, id string) Topic
}

// Topic is one distribution channel, typically one per run-stream.
type Topic interface {
	Publish(ctx context.Context, event events.Event) error
	Subscribe(ctx context.Context, hook events.Hook) (Subscription, error)
}

// Subscription manages one subscriber's lifecycle on a topic.
type Subscription interface {
	ID() string
	Unsubscribe()
}
