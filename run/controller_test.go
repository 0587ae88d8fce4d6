package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/store"
)

// fakeClient scripts provider behavior per test.
type fakeClient struct {
	mu         sync.Mutex
	addErr     error
	streamErr  error
	cancelled  []string
	submitted  [][]api.ToolOutput
	submitErr  error
	streamFeed chan provider.StreamEvent
}

func (f *fakeClient) CreateThread(context.Context, []api.Message) (api.Thread, error) {
	return api.Thread{ID: "th_1"}, nil
}

func (f *fakeClient) DeleteThread(context.Context, string) error { return nil }

func (f *fakeClient) AddMessage(_ context.Context, threadID string, msg api.Message) (api.Message, error) {
	if f.addErr != nil {
		return api.Message{}, f.addErr
	}
	msg.ID = "msg_user"
	msg.ThreadID = threadID
	return msg, nil
}

func (f *fakeClient) CreateRun(context.Context, string, provider.RunRequest) (api.Run, error) {
	return api.Run{}, errors.New("not scripted")
}

func (f *fakeClient) CreateRunStream(context.Context, string, provider.RunRequest) (<-chan provider.StreamEvent, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.streamFeed == nil {
		f.streamFeed = make(chan provider.StreamEvent)
		close(f.streamFeed)
	}
	return f.streamFeed, nil
}

func (f *fakeClient) GetRun(context.Context, string, string) (api.Run, error) {
	return api.Run{}, errors.New("not scripted")
}

func (f *fakeClient) CancelRun(_ context.Context, _ string, runID string) (api.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return api.Run{ID: runID, Status: api.RunCancelling}, nil
}

func (f *fakeClient) SubmitToolOutputs(context.Context, string, string, []api.ToolOutput) (api.Run, error) {
	return api.Run{}, errors.New("not scripted")
}

func (f *fakeClient) SubmitToolOutputsStream(_ context.Context, _ string, _ string, outputs []api.ToolOutput) (<-chan provider.StreamEvent, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, outputs)
	f.mu.Unlock()
	feed := make(chan provider.StreamEvent)
	close(feed)
	return feed, nil
}

func registered(t *testing.T, c *Controller, status api.RunStatus, calls ...api.ToolCall) api.Run {
	t.Helper()
	run, err := c.Register(context.Background(), api.Run{ID: "run_1", ThreadID: "th_1", Status: api.RunQueued})
	require.NoError(t, err)
	if status != api.RunQueued {
		run, err = c.Advance(context.Background(), "run_1", api.RunInProgress, nil)
		require.NoError(t, err)
		if status != api.RunInProgress {
			run, err = c.Advance(context.Background(), "run_1", status, func(r *api.Run) {
				r.PendingToolCalls = calls
			})
			require.NoError(t, err)
		}
	}
	return run
}

func TestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("takes the thread lease and opens a feed", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		feed, err := c.Start(ctx, api.Thread{ID: "th_1"}, api.Message{Content: "hi"}, provider.RunRequest{})
		require.NoError(t, err)
		require.NotNil(t, feed)

		_, held := c.leases.Get("th_1")
		assert.True(t, held)
	})

	t.Run("second start on the same thread conflicts", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		_, err := c.Start(ctx, api.Thread{ID: "th_1"}, api.Message{Content: "hi"}, provider.RunRequest{})
		require.NoError(t, err)

		_, err = c.Start(ctx, api.Thread{ID: "th_1"}, api.Message{Content: "again"}, provider.RunRequest{})
		var conflict *api.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "th_1", conflict.ThreadID)
	})

	t.Run("concurrent starts admit exactly one", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})

		const n = 16
		var wg sync.WaitGroup
		var conflicts, successes int32
		var mu sync.Mutex

		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Start(ctx, api.Thread{ID: "th_1"}, api.Message{Content: "hi"}, provider.RunRequest{})
				mu.Lock()
				defer mu.Unlock()
				var conflict *api.ConflictError
				switch {
				case err == nil:
					successes++
				case errors.As(err, &conflict):
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, successes)
		assert.EqualValues(t, n-1, conflicts)
	})

	t.Run("provider failure releases the lease", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{addErr: errors.New("boom")})
		_, err := c.Start(ctx, api.Thread{ID: "th_1"}, api.Message{Content: "hi"}, provider.RunRequest{})
		require.Error(t, err)

		_, err = c.Start(ctx, api.Thread{ID: "th_1"}, api.Message{Content: "retry"}, provider.RunRequest{})
		require.Error(t, err) // addErr again, not a conflict
		var conflict *api.ConflictError
		assert.False(t, errors.As(err, &conflict))
	})

	t.Run("user message is persisted", func(t *testing.T) {
		st := store.Memory()
		c := New(st, &fakeClient{})
		_, err := c.Start(ctx, api.Thread{ID: "th_1"}, api.Message{Role: api.RoleUser, Content: "hi"}, provider.RunRequest{})
		require.NoError(t, err)

		msg, ok, err := st.GetMessage(ctx, "msg_user")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "hi", msg.Content)
	})
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()

	t.Run("legal transitions move forward", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		registered(t, c, api.RunQueued)

		run, err := c.Advance(ctx, "run_1", api.RunInProgress, nil)
		require.NoError(t, err)
		assert.Equal(t, api.RunInProgress, run.Status)
	})

	t.Run("duplicate signal is a no-op", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		registered(t, c, api.RunInProgress)

		run, err := c.Advance(ctx, "run_1", api.RunInProgress, nil)
		require.NoError(t, err)
		assert.Equal(t, api.RunInProgress, run.Status)
	})

	t.Run("illegal transition is rejected", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		registered(t, c, api.RunQueued)

		_, err := c.Advance(ctx, "run_1", api.RunCompleted, nil)
		var invalid *api.InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, api.RunQueued, invalid.From)
	})

	t.Run("signals after a terminal state are dropped", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		registered(t, c, api.RunInProgress)

		_, err := c.Advance(ctx, "run_1", api.RunCompleted, nil)
		require.NoError(t, err)

		run, err := c.Advance(ctx, "run_1", api.RunFailed, nil)
		require.NoError(t, err)
		assert.Equal(t, api.RunCompleted, run.Status)
	})

	t.Run("terminal transition frees the thread", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		registered(t, c, api.RunInProgress)

		_, err := c.Advance(ctx, "run_1", api.RunCompleted, nil)
		require.NoError(t, err)

		_, held := c.leases.Get("th_1")
		assert.False(t, held)
	})

	t.Run("apply mutates inside the transition", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		registered(t, c, api.RunInProgress)

		run, err := c.Advance(ctx, "run_1", api.RunCompleted, func(r *api.Run) {
			r.Usage = &api.Usage{TotalTokens: 99}
		})
		require.NoError(t, err)
		require.NotNil(t, run.Usage)
		assert.EqualValues(t, 99, run.Usage.TotalTokens)
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("settled run is not revived", func(t *testing.T) {
		st := store.Memory()
		c := New(st, &fakeClient{})
		registered(t, c, api.RunInProgress)

		c.expire("run_1")
		run, _, err := st.GetRun(ctx, "run_1")
		require.NoError(t, err)
		require.Equal(t, api.RunExpired, run.Status)

		// A continuation feed opening late replays an in_progress snapshot.
		got, err := c.Register(ctx, api.Run{ID: "run_1", ThreadID: "th_1", Status: api.RunInProgress})
		require.NoError(t, err)
		assert.Equal(t, api.RunExpired, got.Status)

		run, _, err = st.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunExpired, run.Status)

		_, held := c.leases.Get("th_1")
		assert.False(t, held)
	})

	t.Run("re-registering an active run keeps one watchdog", func(t *testing.T) {
		st := store.Memory()
		c := New(st, &fakeClient{}, WithRunBudget(40*time.Millisecond))
		registered(t, c, api.RunInProgress)

		_, err := c.Register(ctx, api.Run{ID: "run_1", ThreadID: "th_1", Status: api.RunInProgress})
		require.NoError(t, err)
		_, ok := c.watchdogs.Get("run_1")
		assert.True(t, ok)

		require.Eventually(t, func() bool {
			run, _, _ := st.GetRun(ctx, "run_1")
			return run.Status == api.RunExpired
		}, time.Second, 10*time.Millisecond)
	})
}

func TestSubmitToolOutputs(t *testing.T) {
	ctx := context.Background()
	pending := []api.ToolCall{
		{ID: "call_1", Name: "get_weather", State: api.ToolCallPending},
		{ID: "call_2", Name: "get_weather", State: api.ToolCallPending},
	}

	t.Run("complete batch resumes the run", func(t *testing.T) {
		prov := &fakeClient{}
		c := New(store.Memory(), prov)
		registered(t, c, api.RunRequiresAction, pending...)

		feed, err := c.SubmitToolOutputs(ctx, "run_1", []api.ToolOutput{
			{ToolCallID: "call_1", Output: "a"},
			{ToolCallID: "call_2", Output: "b"},
		})
		require.NoError(t, err)
		require.NotNil(t, feed)

		run, err := c.Get(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunInProgress, run.Status)
		assert.Empty(t, run.PendingToolCalls)
		require.Len(t, prov.submitted, 1)
	})

	t.Run("partial batch leaves the run paused", func(t *testing.T) {
		prov := &fakeClient{}
		c := New(store.Memory(), prov)
		registered(t, c, api.RunRequiresAction, pending...)

		_, err := c.SubmitToolOutputs(ctx, "run_1", []api.ToolOutput{
			{ToolCallID: "call_1", Output: "a"},
		})
		var validation *api.ValidationError
		require.ErrorAs(t, err, &validation)

		run, err := c.Get(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunRequiresAction, run.Status)
		assert.Len(t, run.PendingToolCalls, 2)
		assert.Empty(t, prov.submitted)
	})

	t.Run("unknown call id is rejected", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		registered(t, c, api.RunRequiresAction, pending...)

		_, err := c.SubmitToolOutputs(ctx, "run_1", []api.ToolOutput{
			{ToolCallID: "call_1", Output: "a"},
			{ToolCallID: "call_9", Output: "b"},
		})
		var validation *api.ValidationError
		require.ErrorAs(t, err, &validation)
	})

	t.Run("run must be paused", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{})
		registered(t, c, api.RunInProgress)

		_, err := c.SubmitToolOutputs(ctx, "run_1", nil)
		var validation *api.ValidationError
		require.ErrorAs(t, err, &validation)
	})

	t.Run("provider rejection leaves state unchanged", func(t *testing.T) {
		c := New(store.Memory(), &fakeClient{submitErr: errors.New("boom")})
		registered(t, c, api.RunRequiresAction, pending...)

		_, err := c.SubmitToolOutputs(ctx, "run_1", []api.ToolOutput{
			{ToolCallID: "call_1", Output: "a"},
			{ToolCallID: "call_2", Output: "b"},
		})
		require.Error(t, err)

		run, err := c.Get(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunRequiresAction, run.Status)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("active run moves to cancelling", func(t *testing.T) {
		prov := &fakeClient{}
		c := New(store.Memory(), prov)
		registered(t, c, api.RunInProgress)

		run, err := c.Cancel(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunCancelling, run.Status)
		assert.Equal(t, []string{"run_1"}, prov.cancelled)
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		prov := &fakeClient{}
		c := New(store.Memory(), prov)
		registered(t, c, api.RunInProgress)

		_, err := c.Cancel(ctx, "run_1")
		require.NoError(t, err)
		run, err := c.Cancel(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunCancelling, run.Status)
		assert.Len(t, prov.cancelled, 1)
	})

	t.Run("unacknowledged cancel is forced after the grace period", func(t *testing.T) {
		prov := &fakeClient{}
		st := store.Memory()
		c := New(st, prov, WithCancelGrace(20*time.Millisecond))
		registered(t, c, api.RunInProgress)

		run, err := c.Cancel(ctx, "run_1")
		require.NoError(t, err)
		require.Equal(t, api.RunCancelling, run.Status)

		require.Eventually(t, func() bool {
			run, _, _ := st.GetRun(ctx, "run_1")
			return run.Status == api.RunCancelled
		}, time.Second, 5*time.Millisecond)

		_, held := c.leases.Get("th_1")
		assert.False(t, held)
	})

	t.Run("acknowledged cancel is left to the feed", func(t *testing.T) {
		prov := &fakeClient{}
		st := store.Memory()
		c := New(st, prov, WithCancelGrace(20*time.Millisecond))
		registered(t, c, api.RunInProgress)

		_, err := c.Cancel(ctx, "run_1")
		require.NoError(t, err)
		run, err := c.Advance(ctx, "run_1", api.RunCancelled, nil)
		require.NoError(t, err)
		require.Equal(t, api.RunCancelled, run.Status)
		acked := run.LastTransitionAt

		time.Sleep(60 * time.Millisecond)
		run, _, err = st.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunCancelled, run.Status)
		assert.Equal(t, acked, run.LastTransitionAt)
	})

	t.Run("terminal run is returned unchanged", func(t *testing.T) {
		prov := &fakeClient{}
		c := New(store.Memory(), prov)
		registered(t, c, api.RunInProgress)
		_, err := c.Advance(ctx, "run_1", api.RunCompleted, nil)
		require.NoError(t, err)

		run, err := c.Cancel(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunCompleted, run.Status)
		assert.Empty(t, prov.cancelled)
	})
}

func TestWatchdog(t *testing.T) {
	ctx := context.Background()

	t.Run("expires a stuck run and frees the thread", func(t *testing.T) {
		prov := &fakeClient{}
		st := store.Memory()
		c := New(st, prov, WithRunBudget(30*time.Millisecond))
		registered(t, c, api.RunInProgress)

		require.Eventually(t, func() bool {
			run, _, _ := st.GetRun(ctx, "run_1")
			return run.Status == api.RunExpired
		}, time.Second, 10*time.Millisecond)

		_, held := c.leases.Get("th_1")
		assert.False(t, held)
	})

	t.Run("terminal run is left alone", func(t *testing.T) {
		st := store.Memory()
		c := New(st, &fakeClient{}, WithRunBudget(30*time.Millisecond))
		registered(t, c, api.RunInProgress)

		_, err := c.Advance(ctx, "run_1", api.RunCompleted, nil)
		require.NoError(t, err)

		time.Sleep(80 * time.Millisecond)
		run, _, err := st.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, api.RunCompleted, run.Status)
	})
}
