package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/parley-ai/parley/events"
	"github.com/parley-ai/parley/pkg/uuidx"
)

const defaultSlowSubscriberTimeout = 100 * time.Millisecond

type localBroker struct {
	topics                *haxmap.Map[string, *localTopic]
	slowSubscriberTimeout time.Duration
}

// Local creates an in-process broker.
func Local() Broker {
	return &localBroker{
		topics:                haxmap.New[string, *localTopic](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
	}
}

// WithSlowSubscriberTimeout configures how long a publish waits on a full
// subscriber channel before dropping the subscriber.
func (b *localBroker) WithSlowSubscriberTimeout(timeout time.Duration) *localBroker {
	b.slowSubscriberTimeout = timeout
	return b
}

func (b *localBroker) Topic(ctx context.Context, id string) Topic {
	top, _ := b.topics.GetOrCompute(id, func() *localTopic {
		return &localTopic{
			id:                    id,
			subscriptions:         haxmap.New[string, *localSubscription](),
			slowSubscriberTimeout: b.slowSubscriberTimeout,
		}
	})
	return top
}

type localTopic struct {
	id                    string
	subscriptions         *haxmap.Map[string, *localSubscription]
	slowSubscriberTimeout time.Duration
}

func (t *localTopic) Publish(ctx context.Context, event events.Event) error {
	t.subscriptions.ForEach(func(id string, sub *localSubscription) bool {
		if sub == nil {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-sub.ctx.Done():
			sub.Unsubscribe()
			return true
		default:
		}

		select {
		case <-ctx.Done():
			return false
		case <-sub.ctx.Done():
			sub.Unsubscribe()
		case sub.channel <- event:
		case <-time.After(t.slowSubscriberTimeout):
			// Subscriber stopped draining, drop it rather than stall the run.
			sub.Unsubscribe()
		}
		return true
	})
	return nil
}

func (t *localTopic) Subscribe(ctx context.Context, hook events.Hook) (Subscription, error) {
	if hook == nil {
		return nil, fmt.Errorf("hook is required")
	}

	id := uuidx.NewString()
	sub := &localSubscription{
		id:      id,
		ctx:     ctx,
		channel: make(chan events.Event, 50),
		onClose: func() { t.subscriptions.Del(id) },
		hook:    hook,
	}
	t.subscriptions.Set(id, sub)
	go forwardToHook(ctx, sub.channel, hook)
	return sub, nil
}

type localSubscription struct {
	id        string
	ctx       context.Context
	channel   chan events.Event
	closeOnce sync.Once
	onClose   func()
	hook      events.Hook
}

func (s *localSubscription) ID() string {
	return s.id
}

func (s *localSubscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.channel)
	})
}

func forwardToHook(ctx context.Context, ch <-chan events.Event, hook events.Hook) {
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			events.Dispatch(ctx, hook, event)
		case <-ctx.Done():
			return
		}
	}
}
