package parley

import (
	"context"
	"fmt"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/events"
	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/dispatcher"
	"github.com/parley-ai/parley/pkg/natsx"
	"github.com/parley-ai/parley/pkg/uuidx"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/provider/openai"
	"github.com/parley-ai/parley/relay"
	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/session"
	"github.com/parley-ai/parley/store"
	"github.com/parley-ai/parley/tool"
	"github.com/parley-ai/parley/usage"
)

// Engine is the composition root: one instance serves every session.
type Engine struct {
	cfg Config

	provider   provider.Client
	snapshots  store.Snapshots
	usageStore store.Usage
	registry   *tool.Registry
	broker     broker.Broker

	gate       *session.Gate
	controller *run.Controller
	relay      *relay.Relay
	dispatcher *dispatcher.Dispatcher
	recorder   *usage.Recorder

	now func() time.Time
}

// Engine collaborators default to production implementations derived
// from Config; these options replace them, mainly for tests and
// embedders with their own infrastructure.
var (
	WithProvider   = opts.ForName[Engine, provider.Client]("provider")
	WithSnapshots  = opts.ForName[Engine, store.Snapshots]("snapshots")
	WithUsageStore = opts.ForName[Engine, store.Usage]("usageStore")
	WithRegistry   = opts.ForName[Engine, *tool.Registry]("registry")
	WithBroker     = opts.ForName[Engine, broker.Broker]("broker")
)

// New builds an engine from the configuration.
func New(cfg Config, options ...opts.Option[Engine]) (*Engine, error) {
	e := &Engine{cfg: cfg, now: time.Now}
	if err := opts.Apply(e, options); err != nil {
		return nil, err
	}

	if e.registry == nil {
		e.registry = tool.NewRegistry()
	}
	if e.provider == nil {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("no provider configured and OPENAI_API_KEY is empty")
		}
		e.provider = provider.WithRetry(openai.New(option.WithAPIKey(cfg.OpenAIAPIKey)))
	}
	if e.snapshots == nil || e.usageStore == nil {
		st, err := storeFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		if e.snapshots == nil {
			e.snapshots = st
		}
		if e.usageStore == nil {
			e.usageStore = st
		}
	}
	if e.broker == nil {
		if cfg.NATSURL != "" {
			nc, err := natsx.NewClient()
			if err != nil {
				return nil, fmt.Errorf("connect to nats: %w", err)
			}
			e.broker = broker.NATS(nc)
		} else {
			e.broker = broker.Local()
		}
	}

	e.gate = session.New(e.snapshots, e.usageStore, e.provider, []byte(cfg.JWTSecret),
		session.WithGuestTTL(cfg.GuestTTL))
	e.controller = run.New(e.snapshots, e.provider, run.WithRunBudget(cfg.RunBudget))
	e.relay = relay.New(e.snapshots, e.controller, e.provider, relay.WithPollInterval(cfg.PollInterval))
	e.dispatcher = dispatcher.New(e.registry,
		dispatcher.WithConcurrency(cfg.ToolConcurrency), dispatcher.WithCallTimeout(cfg.ToolTimeout))
	e.recorder = usage.New(e.usageStore)

	return e, nil
}

type combinedStore interface {
	store.Snapshots
	store.Usage
}

// storeFromConfig selects Redis when a URL is configured, otherwise the
// in-memory store.
func storeFromConfig(cfg Config) (combinedStore, error) {
	if cfg.RedisURL == "" {
		return store.Memory(), nil
	}
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return store.Redis(redis.NewClient(ropts)), nil
}

// Tools exposes the function registry so embedders can register handlers
// before serving traffic.
func (e *Engine) Tools() *tool.Registry {
	return e.registry
}

// Sessions exposes the identity gate for credential resolution, guest
// conversion and session deletion.
func (e *Engine) Sessions() *session.Gate {
	return e.gate
}

// Send runs one conversation turn: it appends the user's text to the
// thread (creating the thread first when threadID is empty), starts a
// streaming run and relays every event through the sink until the run
// settles. Tool pauses are resolved internally; the caller only observes
// them as step events. The sink always receives the stream-end marker
// last, including on failures that produced an error event.
func (e *Engine) Send(ctx context.Context, creds session.Credentials, threadID, text string, sink events.Sink) (api.Run, error) {
	sess, err := e.gate.Resolve(ctx, creds)
	if err != nil {
		return api.Run{}, err
	}

	thread, err := e.resolveThread(ctx, sess, threadID, sink)
	if err != nil {
		return api.Run{}, err
	}

	out := e.teeSink(ctx, thread.ID, sink)

	msg := api.Message{
		ThreadID:  thread.ID,
		Role:      api.RoleUser,
		Content:   text,
		Status:    api.MessageCompleted,
		CreatedAt: strfmt.DateTime(e.now()),
	}
	feed, err := e.controller.Start(ctx, thread, msg, provider.RunRequest{
		AssistantID:  e.cfg.AssistantID,
		Instructions: e.cfg.Instructions,
		Tools:        e.registry.Definitions(),
	})
	if err != nil {
		return api.Run{}, e.fail(ctx, out, thread.ID, "", err)
	}

	final, messages, err := e.drive(ctx, thread.ID, feed, out)
	if err != nil {
		return final, e.fail(ctx, out, thread.ID, final.ID, err)
	}

	e.record(ctx, sess, thread.ID, final, messages)

	if serr := out.Send(ctx, events.StreamEnd{
		ID:        uuidx.New(),
		RunID:     final.ID,
		Timestamp: strfmt.DateTime(e.now()),
	}); serr != nil {
		return final, serr
	}
	return final, nil
}

// fail closes a stream that broke mid-turn: the caller's sink still gets
// a terminal error event and the stream-end marker before the error is
// returned.
func (e *Engine) fail(ctx context.Context, sink events.Sink, threadID, runID string, err error) error {
	_ = sink.Send(ctx, events.Error{
		ID:        uuidx.New(),
		RunID:     runID,
		ThreadID:  threadID,
		Err:       err,
		Timestamp: strfmt.DateTime(e.now()),
	})
	_ = sink.Send(ctx, events.StreamEnd{
		ID:        uuidx.New(),
		RunID:     runID,
		Timestamp: strfmt.DateTime(e.now()),
	})
	return err
}

// drive relays feed segments until the run settles, dispatching tool
// batches at every requires_action pause.
func (e *Engine) drive(ctx context.Context, threadID string, feed <-chan provider.StreamEvent, sink events.Sink) (api.Run, []api.Message, error) {
	var messages []api.Message
	for {
		result, err := e.relay.Stream(ctx, threadID, feed, sink)
		messages = append(messages, result.Messages...)
		if err != nil {
			return result.Run, messages, err
		}
		if result.Run.Status != api.RunRequiresAction {
			return result.Run, messages, nil
		}

		outputs, err := e.dispatcher.Dispatch(ctx, result.Run)
		if err != nil {
			return result.Run, messages, err
		}
		feed, err = e.controller.SubmitToolOutputs(ctx, result.Run.ID, outputs)
		if err != nil {
			return result.Run, messages, err
		}
	}
}

func (e *Engine) resolveThread(ctx context.Context, sess api.Session, threadID string, sink events.Sink) (api.Thread, error) {
	if threadID != "" {
		if err := e.gate.Authorize(ctx, sess, threadID); err != nil {
			return api.Thread{}, err
		}
		thread, ok, err := e.snapshots.GetThread(ctx, threadID)
		if err != nil {
			return api.Thread{}, fmt.Errorf("load thread %s: %w", threadID, err)
		}
		if !ok {
			return api.Thread{}, &api.AuthorizationError{Reason: "thread not found"}
		}
		return thread, nil
	}

	thread, err := e.provider.CreateThread(ctx, nil)
	if err != nil {
		return api.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	thread.SessionID = sess.ID
	if err := e.snapshots.PutThread(ctx, thread); err != nil {
		return api.Thread{}, fmt.Errorf("persist thread %s: %w", thread.ID, err)
	}

	if err := sink.Send(ctx, events.ThreadCreated{
		ID:        uuidx.New(),
		Thread:    thread,
		Timestamp: strfmt.DateTime(e.now()),
	}); err != nil {
		return api.Thread{}, err
	}
	return thread, nil
}

// record writes usage for the messages the run produced. The provider's
// reported totals are attributed to the final assistant message; the rest
// fall back to estimates.
func (e *Engine) record(ctx context.Context, sess api.Session, threadID string, final api.Run, messages []api.Message) {
	scope := usage.Scope{
		AssistantID: e.cfg.AssistantID,
		SessionID:   sess.ID,
		ThreadID:    threadID,
	}
	for i, msg := range messages {
		var reported *api.Usage
		if i == len(messages)-1 && msg.Role == api.RoleAssistant {
			reported = final.Usage
		}
		if err := e.recorder.RecordMessage(ctx, scope, msg, reported); err != nil {
			// Usage bookkeeping must not fail the conversation turn.
			continue
		}
	}
}

// Cancel requests cancellation of a run on a thread the caller owns.
func (e *Engine) Cancel(ctx context.Context, creds session.Credentials, threadID, runID string) (api.Run, error) {
	sess, err := e.gate.Resolve(ctx, creds)
	if err != nil {
		return api.Run{}, err
	}
	if err := e.gate.Authorize(ctx, sess, threadID); err != nil {
		return api.Run{}, err
	}
	return e.controller.Cancel(ctx, runID)
}

// Run returns the current snapshot of a run on a thread the caller owns.
func (e *Engine) Run(ctx context.Context, creds session.Credentials, threadID, runID string) (api.Run, error) {
	sess, err := e.gate.Resolve(ctx, creds)
	if err != nil {
		return api.Run{}, err
	}
	if err := e.gate.Authorize(ctx, sess, threadID); err != nil {
		return api.Run{}, err
	}
	return e.controller.Get(ctx, runID)
}

// Usage lists the caller's recorded usage metrics.
func (e *Engine) Usage(ctx context.Context, creds session.Credentials) ([]api.UsageMetric, error) {
	sess, err := e.gate.Resolve(ctx, creds)
	if err != nil {
		return nil, err
	}
	return e.usageStore.BySession(ctx, sess.ID)
}

// Subscribe attaches a hook to the event topic of a thread. It is how
// out-of-band observers follow a conversation without holding the sink.
func (e *Engine) Subscribe(ctx context.Context, threadID string, hook events.Hook) (broker.Subscription, error) {
	return e.broker.Topic(ctx, threadID).Subscribe(ctx, hook)
}

// teeSink mirrors everything sent to the caller's sink onto the broker
// topic of the thread.
func (e *Engine) teeSink(ctx context.Context, threadID string, sink events.Sink) events.Sink {
	return &mirroredSink{
		sink:  sink,
		topic: e.broker.Topic(ctx, threadID),
	}
}

type mirroredSink struct {
	sink  events.Sink
	topic broker.Topic
}

func (m *mirroredSink) Send(ctx context.Context, event events.Event) error {
	// Broker delivery is best effort; the caller's sink is the contract.
	_ = m.topic.Publish(ctx, event)
	return m.sink.Send(ctx, event)
}

func (m *mirroredSink) Close(ctx context.Context) error {
	return m.sink.Close(ctx)
}
