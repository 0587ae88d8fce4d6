package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/pkg/slogx"
)

const (
	defaultMaxAttempts     = 4
	defaultInitialInterval = 500 * time.Millisecond
)

// retryingClient wraps a Client and retries unary operations on transient
// failures. Streams are not retried here: the relay owns the polling
// fallback for interrupted streams.
type retryingClient struct {
	Client
	maxAttempts     uint64
	initialInterval time.Duration
}

// WithRetry decorates a client with bounded exponential backoff for
// ProviderError and RateLimitError. Rate-limit retry hints from the
// provider take precedence over the computed backoff.
func WithRetry(c Client) Client {
	return &retryingClient{
		Client:          c,
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
	}
}

// retryable reports whether err is transient and, for rate limits, any
// retry-after hint the provider supplied.
func retryable(err error) (time.Duration, bool) {
	var rle *api.RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	var pe *api.ProviderError
	if errors.As(err, &pe) {
		return 0, true
	}
	return 0, false
}

func (c *retryingClient) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.initialInterval)),
		c.maxAttempts-1,
	), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		hint, ok := retryable(err)
		if !ok {
			return backoff.Permanent(err)
		}
		slog.Warn("provider call failed, will retry",
			slog.String("op", op), slogx.Error(err))
		if hint > 0 {
			// Honor the provider's retry hint before the next attempt.
			select {
			case <-time.After(hint):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}, policy)
}

func (c *retryingClient) CreateThread(ctx context.Context, msgs []api.Message) (api.Thread, error) {
	var thread api.Thread
	err := c.retry(ctx, "create_thread", func() error {
		var err error
		thread, err = c.Client.CreateThread(ctx, msgs)
		return err
	})
	return thread, err
}

func (c *retryingClient) AddMessage(ctx context.Context, threadID string, msg api.Message) (api.Message, error) {
	var out api.Message
	err := c.retry(ctx, "add_message", func() error {
		var err error
		out, err = c.Client.AddMessage(ctx, threadID, msg)
		return err
	})
	return out, err
}

func (c *retryingClient) CreateRun(ctx context.Context, threadID string, req RunRequest) (api.Run, error) {
	var run api.Run
	err := c.retry(ctx, "create_run", func() error {
		var err error
		run, err = c.Client.CreateRun(ctx, threadID, req)
		return err
	})
	return run, err
}

func (c *retryingClient) GetRun(ctx context.Context, threadID, runID string) (api.Run, error) {
	var run api.Run
	err := c.retry(ctx, "get_run", func() error {
		var err error
		run, err = c.Client.GetRun(ctx, threadID, runID)
		return err
	})
	return run, err
}

func (c *retryingClient) CancelRun(ctx context.Context, threadID, runID string) (api.Run, error) {
	var run api.Run
	err := c.retry(ctx, "cancel_run", func() error {
		var err error
		run, err = c.Client.CancelRun(ctx, threadID, runID)
		return err
	})
	return run, err
}

func (c *retryingClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []api.ToolOutput) (api.Run, error) {
	var run api.Run
	err := c.retry(ctx, "submit_tool_outputs", func() error {
		var err error
		run, err = c.Client.SubmitToolOutputs(ctx, threadID, runID, outputs)
		return err
	})
	return run, err
}
