package store

import (
	"context"

	"github.com/parley-ai/parley/api"
)

// Snapshots is the durable key-value store for conversation state. Every
// Put is an upsert keyed by the entity's ID.
type Snapshots interface {
	PutThread(ctx context.Context, thread api.Thread) error
	GetThread(ctx context.Context, id string) (api.Thread, bool, error)

	PutRun(ctx context.Context, run api.Run) error
	GetRun(ctx context.Context, id string) (api.Run, bool, error)

	PutMessage(ctx context.Context, msg api.Message) error
	GetMessage(ctx context.Context, id string) (api.Message, bool, error)

	PutSession(ctx context.Context, sess api.Session) error
	GetSession(ctx context.Context, id string) (api.Session, bool, error)
	// GetSessionByFingerprint resolves the guest session bound to a
	// client fingerprint, if any.
	GetSessionByFingerprint(ctx context.Context, fingerprint string) (api.Session, bool, error)

	// ThreadsBySession lists the threads a session owns.
	ThreadsBySession(ctx context.Context, sessionID string) ([]api.Thread, error)

	// DeleteSessionData removes a session together with its threads and
	// messages.
	DeleteSessionData(ctx context.Context, sessionID string) error
}

// Usage is the append-only usage-metric store.
type Usage interface {
	// Insert records a metric. It returns false without error when a
	// record for the same (message, metric type) pair already exists,
	// which makes retries of terminal events safe.
	Insert(ctx context.Context, metric api.UsageMetric) (bool, error)

	// BySession returns all metrics recorded for a session.
	BySession(ctx context.Context, sessionID string) ([]api.UsageMetric, error)

	// DeleteSession removes every metric of a session.
	DeleteSession(ctx context.Context, sessionID string) error
}
