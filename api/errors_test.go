package api

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dateTime(t time.Time) strfmt.DateTime {
	return strfmt.DateTime(t)
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("boom")

	t.Run("provider error", func(t *testing.T) {
		err := &ProviderError{Status: 502, Err: cause}
		require.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("rate limit error", func(t *testing.T) {
		err := &RateLimitError{RetryAfter: 3 * time.Second, Err: cause}
		require.ErrorIs(t, err, cause)
	})

	t.Run("wrapped conflict is still matchable", func(t *testing.T) {
		var conflict *ConflictError
		err := fmt.Errorf("starting run: %w", &ConflictError{ThreadID: "th_1", RunID: "run_1"})
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "th_1", conflict.ThreadID)
		assert.Equal(t, "run_1", conflict.RunID)
	})
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()

	t.Run("guest past ttl", func(t *testing.T) {
		sess := Session{Kind: SessionGuest, ExpiresAt: dateTime(now.Add(-time.Minute))}
		assert.True(t, sess.Expired(now))
	})

	t.Run("guest within ttl", func(t *testing.T) {
		sess := Session{Kind: SessionGuest, ExpiresAt: dateTime(now.Add(time.Hour))}
		assert.False(t, sess.Expired(now))
	})

	t.Run("authenticated never expires", func(t *testing.T) {
		sess := Session{Kind: SessionAuthenticated, ExpiresAt: dateTime(now.Add(-time.Hour))}
		assert.False(t, sess.Expired(now))
	})
}
