package api

import (
	"time"

	"github.com/go-openapi/strfmt"
)

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
	ThreadDeleted  ThreadStatus = "deleted"
)

// Thread is an ordered conversation container. Every thread is owned by
// exactly one session.
type Thread struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Status    ThreadStatus    `json:"status"`
	CreatedAt strfmt.DateTime `json:"created_at"`
}

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageStatus tracks a message through streaming. Tokens is only
// assigned once the message reaches a final status.
type MessageStatus string

const (
	MessageCreated    MessageStatus = "created"
	MessageInProgress MessageStatus = "in_progress"
	MessageCompleted  MessageStatus = "completed"
	MessageIncomplete MessageStatus = "incomplete"
)

// Message is a single entry in a thread.
type Message struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Role      MessageRole     `json:"role"`
	Content   string          `json:"content"`
	FileIDs   []string        `json:"file_ids,omitempty"`
	Status    MessageStatus   `json:"status"`
	Tokens    int             `json:"tokens,omitempty"`
	CreatedAt strfmt.DateTime `json:"created_at"`
}

// SessionKind distinguishes the two identity variants.
type SessionKind string

const (
	SessionGuest         SessionKind = "guest"
	SessionAuthenticated SessionKind = "authenticated"
)

// Session is the identity context a thread belongs to. Guest sessions are
// bound to a client fingerprint and expire; authenticated sessions are
// bound to a principal and do not.
type Session struct {
	ID          string          `json:"id"`
	Kind        SessionKind     `json:"kind"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	PrincipalID string          `json:"principal_id,omitempty"`
	ExpiresAt   strfmt.DateTime `json:"expires_at,omitempty"`
	Revoked     bool            `json:"revoked,omitempty"`
	CreatedAt   strfmt.DateTime `json:"created_at"`
}

// Expired reports whether a guest session's TTL has elapsed at the given
// instant. Authenticated sessions never expire.
func (s Session) Expired(now time.Time) bool {
	if s.Kind != SessionGuest {
		return false
	}
	exp := time.Time(s.ExpiresAt)
	return !exp.IsZero() && now.After(exp)
}
