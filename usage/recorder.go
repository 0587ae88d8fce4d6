// Package usage records token consumption for completed messages. Writes
// are idempotent under retry: duplicate terminal events for the same
// message never double-count.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/go-openapi/strfmt"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/store"
)

// estimateDivisor approximates tokens from character count when the
// provider does not report usage. Roughly four characters per token holds
// for English prose.
const estimateDivisor = 4

// Scope identifies who consumed the tokens being recorded.
type Scope struct {
	AssistantID string
	SessionID   string
	ThreadID    string
}

// Recorder appends usage metrics for terminal message events.
type Recorder struct {
	store store.Usage
	now   func() time.Time
}

// New creates a recorder on top of a usage store.
func New(st store.Usage) *Recorder {
	return &Recorder{store: st, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// EstimateTokens is the local fallback when the provider omits usage.
func EstimateTokens(content string) int64 {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return 0
	}
	tokens := int64(n / estimateDivisor)
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// RecordMessage appends one metric per metric type for a completed
// message. Token counts come from the provider's reported usage when
// present, otherwise from the local estimate. Re-recording the same
// message is a no-op.
func (r *Recorder) RecordMessage(ctx context.Context, scope Scope, msg api.Message, reported *api.Usage) error {
	tokens := int64(msg.Tokens)
	if reported != nil && reported.TotalTokens > 0 {
		tokens = reported.TotalTokens
	}
	if tokens == 0 {
		tokens = EstimateTokens(msg.Content)
	}

	recordedAt := strfmt.DateTime(r.now())
	metrics := []api.UsageMetric{
		{
			AssistantID: scope.AssistantID,
			SessionID:   scope.SessionID,
			ThreadID:    scope.ThreadID,
			MessageID:   msg.ID,
			Type:        api.MetricTokens,
			Value:       tokens,
			RecordedAt:  recordedAt,
		},
		{
			AssistantID: scope.AssistantID,
			SessionID:   scope.SessionID,
			ThreadID:    scope.ThreadID,
			MessageID:   msg.ID,
			Type:        api.MetricMessages,
			Value:       1,
			RecordedAt:  recordedAt,
		},
	}

	for _, metric := range metrics {
		inserted, err := r.store.Insert(ctx, metric)
		if err != nil {
			return fmt.Errorf("record %s metric for message %s: %w", metric.Type, msg.ID, err)
		}
		if !inserted {
			slog.Debug("usage metric already recorded",
				slog.String("message_id", msg.ID), slog.String("metric_type", string(metric.Type)))
		}
	}
	return nil
}
