// Package session issues, validates, and revokes realtime sessions: the
// short-lived credentials that let a client attach to threads and stream
// messages.
package session

import (
	"time"

	id "msgvault/pkg/domain"
)

// Status is the lifecycle state of a realtime session.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Session is one realtime credential. It is scoped to an explicit set of
// threads: a stolen token cannot be replayed against other conversations.
type Session struct {
	ID          id.SessionID  `json:"id"`
	UserID      id.UserID     `json:"user_id"`
	TenantID    id.TenantID   `json:"tenant_id"`
	ThreadIDs   []id.ThreadID `json:"thread_ids"`
	DeviceLabel string        `json:"device_label"`
	// TokenJTI identifies the issued token so revocation can denylist it.
	TokenJTI   string    `json:"token_jti"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ExpiredAt reports whether the session's hard lifetime has passed at now.
func (s Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AuthorizedForThread reports whether the session may touch the thread.
func (s Session) AuthorizedForThread(threadID id.ThreadID) bool {
	for _, tid := range s.ThreadIDs {
		if tid == threadID {
			return true
		}
	}
	return false
}
