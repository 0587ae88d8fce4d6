package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/golang-jwt/jwt/v5"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/pkg/slogx"
	"github.com/parley-ai/parley/pkg/uuidx"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/store"
)

const defaultGuestTTL = 24 * time.Hour

// Credentials is what a request presents: a bearer token for
// authenticated principals, or a client fingerprint for guests. Token
// wins when both are set.
type Credentials struct {
	Token       string
	Fingerprint string
}

// Gate resolves credentials into sessions and authorizes thread access.
type Gate struct {
	snapshots store.Snapshots
	usage     store.Usage
	provider  provider.Client
	secret    []byte
	guestTTL  time.Duration
	now       func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithGuestTTL overrides the guest session lifetime.
func WithGuestTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.guestTTL = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a gate. The secret verifies HS256 bearer tokens. The
// provider client is only used to clean up provider-side threads when a
// session is deleted; it may be nil in deployments without that
// responsibility.
func New(snapshots store.Snapshots, usage store.Usage, prov provider.Client, secret []byte, options ...Option) *Gate {
	g := &Gate{
		snapshots: snapshots,
		usage:     usage,
		provider:  prov,
		secret:    secret,
		guestTTL:  defaultGuestTTL,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Resolve turns request credentials into a session, creating guest
// sessions on first sight of a fingerprint.
func (g *Gate) Resolve(ctx context.Context, creds Credentials) (api.Session, error) {
	switch {
	case creds.Token != "":
		return g.resolvePrincipal(ctx, creds.Token)
	case creds.Fingerprint != "":
		return g.resolveGuest(ctx, creds.Fingerprint)
	default:
		return api.Session{}, &api.AuthorizationError{Reason: "no credentials presented"}
	}
}

func (g *Gate) resolvePrincipal(ctx context.Context, token string) (api.Session, error) {
	principal, err := g.verifyToken(token)
	if err != nil {
		return api.Session{}, err
	}

	id := "principal:" + principal
	sess, ok, err := g.snapshots.GetSession(ctx, id)
	if err != nil {
		return api.Session{}, fmt.Errorf("load session: %w", err)
	}
	if ok {
		return sess, nil
	}

	sess = api.Session{
		ID:          id,
		Kind:        api.SessionAuthenticated,
		PrincipalID: principal,
		CreatedAt:   strfmt.DateTime(g.now()),
	}
	if err := g.snapshots.PutSession(ctx, sess); err != nil {
		return api.Session{}, fmt.Errorf("persist session: %w", err)
	}
	return sess, nil
}

func (g *Gate) resolveGuest(ctx context.Context, fingerprint string) (api.Session, error) {
	sess, ok, err := g.snapshots.GetSessionByFingerprint(ctx, fingerprint)
	if err != nil {
		return api.Session{}, fmt.Errorf("load session: %w", err)
	}
	if ok {
		if sess.Revoked {
			return api.Session{}, &api.AuthorizationError{Reason: "fingerprint has been invalidated"}
		}
		if sess.Expired(g.now()) {
			return api.Session{}, &api.ExpiredSessionError{
				SessionID: sess.ID,
				ExpiredAt: time.Time(sess.ExpiresAt),
			}
		}
		return sess, nil
	}

	sess = api.Session{
		ID:          uuidx.NewString(),
		Kind:        api.SessionGuest,
		Fingerprint: fingerprint,
		ExpiresAt:   strfmt.DateTime(g.now().Add(g.guestTTL)),
		CreatedAt:   strfmt.DateTime(g.now()),
	}
	if err := g.snapshots.PutSession(ctx, sess); err != nil {
		return api.Session{}, fmt.Errorf("persist session: %w", err)
	}
	return sess, nil
}

func (g *Gate) verifyToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", &api.AuthorizationError{Reason: fmt.Sprintf("invalid token: %v", err)}
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", &api.AuthorizationError{Reason: "token has no subject"}
	}
	return subject, nil
}

// Authorize checks that the session may act on the thread. Guests are
// re-checked against their TTL so a long-lived handle cannot outlive the
// session.
func (g *Gate) Authorize(ctx context.Context, sess api.Session, threadID string) error {
	if sess.Expired(g.now()) {
		return &api.ExpiredSessionError{SessionID: sess.ID, ExpiredAt: time.Time(sess.ExpiresAt)}
	}

	thread, ok, err := g.snapshots.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if !ok || thread.Status == api.ThreadDeleted {
		return &api.AuthorizationError{Reason: "thread not found"}
	}
	if thread.SessionID != sess.ID {
		return &api.AuthorizationError{Reason: "thread belongs to a different session"}
	}
	return nil
}

// ConvertGuest upgrades a guest session to the authenticated principal in
// the token: the guest's threads are re-parented and the fingerprint is
// invalidated. An expired guest cannot be converted.
func (g *Gate) ConvertGuest(ctx context.Context, fingerprint, token string) (api.Session, error) {
	guest, ok, err := g.snapshots.GetSessionByFingerprint(ctx, fingerprint)
	if err != nil {
		return api.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok || guest.Revoked {
		return api.Session{}, &api.AuthorizationError{Reason: "unknown fingerprint"}
	}
	if guest.Expired(g.now()) {
		return api.Session{}, &api.ExpiredSessionError{
			SessionID: guest.ID,
			ExpiredAt: time.Time(guest.ExpiresAt),
		}
	}

	authenticated, err := g.resolvePrincipal(ctx, token)
	if err != nil {
		return api.Session{}, err
	}

	threads, err := g.snapshots.ThreadsBySession(ctx, guest.ID)
	if err != nil {
		return api.Session{}, fmt.Errorf("list threads: %w", err)
	}
	for _, thread := range threads {
		thread.SessionID = authenticated.ID
		if err := g.snapshots.PutThread(ctx, thread); err != nil {
			return api.Session{}, fmt.Errorf("re-parent thread %s: %w", thread.ID, err)
		}
	}

	guest.Revoked = true
	if err := g.snapshots.PutSession(ctx, guest); err != nil {
		return api.Session{}, fmt.Errorf("revoke guest session: %w", err)
	}
	return authenticated, nil
}

// DeleteSession removes a caller's own session with its threads, messages
// and usage metrics. Provider-side thread deletion is best effort: a
// provider failure is logged but does not abort the local cleanup.
func (g *Gate) DeleteSession(ctx context.Context, sess api.Session, sessionID string) error {
	if sess.ID != sessionID {
		return &api.AuthorizationError{Reason: "session belongs to a different caller"}
	}
	if sess.Expired(g.now()) {
		return &api.ExpiredSessionError{SessionID: sess.ID, ExpiredAt: time.Time(sess.ExpiresAt)}
	}

	if g.provider != nil {
		threads, err := g.snapshots.ThreadsBySession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}
		for _, thread := range threads {
			if err := g.provider.DeleteThread(ctx, thread.ID); err != nil {
				slog.Warn("failed to delete provider thread",
					slog.String("thread_id", thread.ID), slogx.Error(err))
			}
		}
	}

	if err := g.usage.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete usage metrics: %w", err)
	}
	return g.snapshots.DeleteSessionData(ctx, sessionID)
}
