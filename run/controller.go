package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/go-openapi/strfmt"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/pkg/slogx"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/store"
)

const (
	defaultRunBudget   = 10 * time.Minute
	defaultCancelGrace = 15 * time.Second
)

// Controller coordinates run state transitions and thread leases.
type Controller struct {
	snapshots store.Snapshots
	provider  provider.Client

	// leases maps threadID to the run currently holding the thread. A
	// lease is taken before the provider run exists, so the value may
	// briefly be empty.
	leases    *haxmap.Map[string, string]
	locks     *haxmap.Map[string, *sync.Mutex]
	watchdogs *haxmap.Map[string, context.CancelFunc]

	runBudget   time.Duration
	cancelGrace time.Duration
	now         func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithRunBudget sets how long a run may stay non-terminal before the
// watchdog expires it.
func WithRunBudget(budget time.Duration) Option {
	return func(c *Controller) {
		if budget > 0 {
			c.runBudget = budget
		}
	}
}

// WithCancelGrace sets how long a cancellation waits for upstream
// acknowledgment before local state is forced to cancelled.
func WithCancelGrace(grace time.Duration) Option {
	return func(c *Controller) {
		if grace > 0 {
			c.cancelGrace = grace
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller over the given snapshot store and provider.
func New(snapshots store.Snapshots, prov provider.Client, options ...Option) *Controller {
	c := &Controller{
		snapshots:   snapshots,
		provider:    prov,
		leases:      haxmap.New[string, string](),
		locks:       haxmap.New[string, *sync.Mutex](),
		watchdogs:   haxmap.New[string, context.CancelFunc](),
		runBudget:   defaultRunBudget,
		cancelGrace: defaultCancelGrace,
		now:         time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Start appends the user message to the thread and opens a streaming run.
// The thread lease is taken before anything touches the provider: a
// second Start on the same thread fails fast with a ConflictError instead
// of queueing behind the active run.
func (c *Controller) Start(ctx context.Context, thread api.Thread, msg api.Message, req provider.RunRequest) (<-chan provider.StreamEvent, error) {
	if _, taken := c.leases.GetOrSet(thread.ID, ""); taken {
		active, _ := c.leases.Get(thread.ID)
		return nil, &api.ConflictError{ThreadID: thread.ID, RunID: active}
	}

	added, err := c.provider.AddMessage(ctx, thread.ID, msg)
	if err != nil {
		c.Release(thread.ID)
		return nil, fmt.Errorf("add message to thread %s: %w", thread.ID, err)
	}
	if err := c.snapshots.PutMessage(ctx, added); err != nil {
		c.Release(thread.ID)
		return nil, fmt.Errorf("persist message %s: %w", added.ID, err)
	}

	feed, err := c.provider.CreateRunStream(ctx, thread.ID, req)
	if err != nil {
		c.Release(thread.ID)
		return nil, fmt.Errorf("create run on thread %s: %w", thread.ID, err)
	}
	return feed, nil
}

// Register records a freshly created run, binds it to its thread lease
// and arms the expiry watchdog. The relay calls this on the first run
// event of every feed segment, so duplicate registrations happen; a run
// that already settled is returned as-is, never revived. The returned
// snapshot is authoritative.
func (c *Controller) Register(ctx context.Context, run api.Run) (api.Run, error) {
	mu := c.lockFor(run.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, ok, err := c.snapshots.GetRun(ctx, run.ID)
	if err != nil {
		return api.Run{}, fmt.Errorf("load run %s: %w", run.ID, err)
	}
	if ok && existing.Status.Terminal() {
		slog.Debug("ignoring registration of settled run",
			slog.String("run_id", run.ID), slog.String("status", string(existing.Status)))
		return existing, nil
	}

	if run.Status == "" {
		run.Status = api.RunQueued
	}
	run.LastTransitionAt = strfmt.DateTime(c.now())
	if err := c.snapshots.PutRun(ctx, run); err != nil {
		return api.Run{}, fmt.Errorf("persist run %s: %w", run.ID, err)
	}

	c.leases.Set(run.ThreadID, run.ID)
	c.armWatchdog(run.ThreadID, run.ID)
	return run, nil
}

// Advance applies one provider-signalled status transition. Duplicate
// signals for the current status are no-ops and signals arriving after a
// terminal state are logged and dropped; an out-of-order signal that
// names an unreachable status is an InvalidTransitionError. The optional
// apply hook mutates the run inside the same critical section, so pending
// tool calls and usage land atomically with the status they belong to.
func (c *Controller) Advance(ctx context.Context, runID string, next api.RunStatus, apply func(*api.Run)) (api.Run, error) {
	mu := c.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	run, ok, err := c.snapshots.GetRun(ctx, runID)
	if err != nil {
		return api.Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !ok {
		return api.Run{}, fmt.Errorf("run %s not found", runID)
	}

	if run.Status == next {
		return run, nil
	}
	if run.Status.Terminal() {
		slog.Debug("dropping signal for terminal run",
			slog.String("run_id", runID), slog.String("status", string(run.Status)), slog.String("signal", string(next)))
		return run, nil
	}
	if !run.Status.CanTransition(next) {
		return run, &api.InvalidTransitionError{RunID: runID, From: run.Status, To: next}
	}

	run.Status = next
	run.LastTransitionAt = strfmt.DateTime(c.now())
	if apply != nil {
		apply(&run)
	}
	if next != api.RunRequiresAction {
		run.PendingToolCalls = nil
	}

	if err := c.snapshots.PutRun(ctx, run); err != nil {
		return api.Run{}, fmt.Errorf("persist run %s: %w", runID, err)
	}
	if next.Terminal() {
		c.settle(run.ThreadID, runID)
	}
	return run, nil
}

// SubmitToolOutputs resumes a paused run with the complete output batch.
// The batch must cover exactly the pending tool call set; anything else
// is rejected with a ValidationError and the run stays in requires_action.
func (c *Controller) SubmitToolOutputs(ctx context.Context, runID string, outputs []api.ToolOutput) (<-chan provider.StreamEvent, error) {
	mu := c.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	run, ok, err := c.snapshots.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if run.Status != api.RunRequiresAction {
		return nil, &api.ValidationError{
			Reason: fmt.Sprintf("run %s is %s, not %s", runID, run.Status, api.RunRequiresAction),
		}
	}
	if err := coversPending(run.PendingToolCalls, outputs); err != nil {
		return nil, err
	}

	feed, err := c.provider.SubmitToolOutputsStream(ctx, run.ThreadID, runID, outputs)
	if err != nil {
		return nil, fmt.Errorf("submit tool outputs for run %s: %w", runID, err)
	}

	resolved := make(map[string]api.ToolOutput, len(outputs))
	for _, out := range outputs {
		resolved[out.ToolCallID] = out
	}
	for i := range run.PendingToolCalls {
		out := resolved[run.PendingToolCalls[i].ID]
		if out.Failed {
			run.PendingToolCalls[i].State = api.ToolCallFailed
			run.PendingToolCalls[i].Failure = out.Output
		} else {
			run.PendingToolCalls[i].State = api.ToolCallResolved
			run.PendingToolCalls[i].Output = out.Output
		}
	}
	run.Status = api.RunInProgress
	run.PendingToolCalls = nil
	run.LastTransitionAt = strfmt.DateTime(c.now())
	if err := c.snapshots.PutRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run %s: %w", runID, err)
	}
	return feed, nil
}

// coversPending checks set equality between pending call IDs and the
// submitted batch.
func coversPending(pending []api.ToolCall, outputs []api.ToolOutput) error {
	expected := make(map[string]bool, len(pending))
	for _, call := range pending {
		expected[call.ID] = true
	}
	for _, out := range outputs {
		if !expected[out.ToolCallID] {
			return &api.ValidationError{
				Reason: fmt.Sprintf("output for unknown tool call %s", out.ToolCallID),
			}
		}
		delete(expected, out.ToolCallID)
	}
	if len(expected) > 0 {
		return &api.ValidationError{
			Reason: fmt.Sprintf("%d pending tool calls left unresolved", len(expected)),
		}
	}
	return nil
}

// Cancel requests cooperative cancellation. Terminal runs and runs
// already cancelling are returned unchanged, so retrying a cancel is
// harmless. The final cancelled status arrives through the feed or the
// polling fallback; if neither delivers it within the grace period,
// local state is forced to cancelled.
func (c *Controller) Cancel(ctx context.Context, runID string) (api.Run, error) {
	mu := c.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	run, ok, err := c.snapshots.GetRun(ctx, runID)
	if err != nil {
		return api.Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !ok {
		return api.Run{}, fmt.Errorf("run %s not found", runID)
	}
	if run.Status.Terminal() || run.Status == api.RunCancelling {
		return run, nil
	}

	if _, err := c.provider.CancelRun(ctx, run.ThreadID, runID); err != nil {
		return api.Run{}, fmt.Errorf("cancel run %s: %w", runID, err)
	}

	run.Status = api.RunCancelling
	run.PendingToolCalls = nil
	run.LastTransitionAt = strfmt.DateTime(c.now())
	if err := c.snapshots.PutRun(ctx, run); err != nil {
		return api.Run{}, fmt.Errorf("persist run %s: %w", runID, err)
	}
	go c.forceCancelAfter(runID)
	return run, nil
}

// forceCancelAfter settles a run still cancelling once the grace period
// elapses. A run that reached a terminal state in the meantime is left
// alone.
func (c *Controller) forceCancelAfter(runID string) {
	timer := time.NewTimer(c.cancelGrace)
	defer timer.Stop()
	<-timer.C

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mu := c.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	run, ok, err := c.snapshots.GetRun(ctx, runID)
	if err != nil || !ok {
		slog.Warn("grace timer could not load run", slog.String("run_id", runID), slogx.Error(err))
		return
	}
	if run.Status != api.RunCancelling {
		return
	}

	run.Status = api.RunCancelled
	run.LastTransitionAt = strfmt.DateTime(c.now())
	if err := c.snapshots.PutRun(ctx, run); err != nil {
		slog.Error("grace timer failed to persist cancellation", slog.String("run_id", runID), slogx.Error(err))
		return
	}
	c.settle(run.ThreadID, runID)

	slog.Warn("cancellation unacknowledged, forced locally",
		slog.String("run_id", runID), slog.Duration("grace", c.cancelGrace))
}

// Get returns the current snapshot of a run.
func (c *Controller) Get(ctx context.Context, runID string) (api.Run, error) {
	run, ok, err := c.snapshots.GetRun(ctx, runID)
	if err != nil {
		return api.Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !ok {
		return api.Run{}, fmt.Errorf("run %s not found", runID)
	}
	return run, nil
}

// ActiveRun reports the run currently holding a thread's lease.
func (c *Controller) ActiveRun(threadID string) (string, bool) {
	runID, ok := c.leases.Get(threadID)
	if !ok || runID == "" {
		return "", false
	}
	return runID, true
}

// Release drops a thread lease without a transition. The relay uses this
// when a stream dies before any run surfaced, so the thread does not stay
// locked behind a run that never existed.
func (c *Controller) Release(threadID string) {
	c.leases.Del(threadID)
}

func (c *Controller) lockFor(runID string) *sync.Mutex {
	mu, _ := c.locks.GetOrCompute(runID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return mu
}

// settle releases every per-run resource once a terminal state is
// recorded. Callers hold the run lock.
func (c *Controller) settle(threadID, runID string) {
	if cancel, ok := c.watchdogs.Get(runID); ok {
		cancel()
		c.watchdogs.Del(runID)
	}
	c.leases.Del(threadID)
}

// armWatchdog schedules the forced expiry of a run that outlives its
// budget. Re-arming replaces any watchdog already standing for the run.
func (c *Controller) armWatchdog(threadID, runID string) {
	if prev, ok := c.watchdogs.Get(runID); ok {
		prev()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.watchdogs.Set(runID, cancel)

	go func() {
		timer := time.NewTimer(c.runBudget)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.expire(runID)
		}
	}()
}

// expire forces a stuck run to the expired state and frees its thread.
// Expired is reachable from every non-terminal status, so this never
// trips the transition table; a run that went terminal in the meantime is
// left alone.
func (c *Controller) expire(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mu := c.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	run, ok, err := c.snapshots.GetRun(ctx, runID)
	if err != nil || !ok {
		slog.Warn("watchdog could not load run", slog.String("run_id", runID), slogx.Error(err))
		return
	}
	if run.Status.Terminal() {
		return
	}

	run.Status = api.RunExpired
	run.PendingToolCalls = nil
	run.LastTransitionAt = strfmt.DateTime(c.now())
	if err := c.snapshots.PutRun(ctx, run); err != nil {
		slog.Error("watchdog failed to persist expiry", slog.String("run_id", runID), slogx.Error(err))
		return
	}
	c.settle(run.ThreadID, runID)

	slog.Warn("run expired by watchdog",
		slog.String("run_id", runID), slog.String("thread_id", run.ThreadID), slog.Duration("budget", c.runBudget))

	if _, err := c.provider.CancelRun(ctx, run.ThreadID, runID); err != nil {
		slog.Debug("upstream cancel after expiry failed", slog.String("run_id", runID), slogx.Error(err))
	}
}
