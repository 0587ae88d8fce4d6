package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allRunStatuses() []RunStatus {
	return []RunStatus{
		RunQueued, RunInProgress, RunRequiresAction, RunCancelling,
		RunCompleted, RunIncomplete, RunFailed, RunCancelled, RunExpired,
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := map[RunStatus]bool{
		RunCompleted:  true,
		RunIncomplete: true,
		RunFailed:     true,
		RunCancelled:  true,
		RunExpired:    true,
	}
	for _, status := range allRunStatuses() {
		assert.Equal(t, terminal[status], status.Terminal(), "status %s", status)
	}
}

func TestRunStatusTransitions(t *testing.T) {
	t.Run("terminal states allow nothing", func(t *testing.T) {
		for _, from := range allRunStatuses() {
			if !from.Terminal() {
				continue
			}
			for _, to := range allRunStatuses() {
				assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
			}
		}
	})

	t.Run("expired is reachable from every non-terminal state", func(t *testing.T) {
		for _, from := range allRunStatuses() {
			if from.Terminal() {
				continue
			}
			assert.True(t, from.CanTransition(RunExpired), "%s -> expired", from)
		}
	})

	t.Run("no transition revisits an earlier state", func(t *testing.T) {
		assert.False(t, RunInProgress.CanTransition(RunQueued))
		assert.False(t, RunRequiresAction.CanTransition(RunQueued))
		assert.False(t, RunCancelling.CanTransition(RunInProgress))
		assert.False(t, RunCancelling.CanTransition(RunRequiresAction))
	})

	t.Run("happy path", func(t *testing.T) {
		require.True(t, RunQueued.CanTransition(RunInProgress))
		require.True(t, RunInProgress.CanTransition(RunRequiresAction))
		require.True(t, RunRequiresAction.CanTransition(RunInProgress))
		require.True(t, RunInProgress.CanTransition(RunCompleted))
	})

	t.Run("cancellation path", func(t *testing.T) {
		require.True(t, RunQueued.CanTransition(RunCancelling))
		require.True(t, RunInProgress.CanTransition(RunCancelling))
		require.True(t, RunRequiresAction.CanTransition(RunCancelling))
		require.True(t, RunCancelling.CanTransition(RunCancelled))
		assert.False(t, RunCancelling.CanTransition(RunCompleted))
	})

	t.Run("requires_action cannot complete directly", func(t *testing.T) {
		assert.False(t, RunRequiresAction.CanTransition(RunCompleted))
		assert.False(t, RunRequiresAction.CanTransition(RunIncomplete))
	})
}
