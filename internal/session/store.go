package session

import (
	"context"
	"time"

	id "msgvault/pkg/domain"
)

// Store persists realtime sessions and the token denylist. Session records
// carry their own TTL: backends expire them at ExpiresAt plus a grace period
// so a just-expired session can still be reported as expired rather than
// unknown.
type Store interface {
	// Save writes the full session record.
	Save(ctx context.Context, sess Session) error

	// Get returns sentinel.ErrNotFound for unknown or reaped sessions.
	Get(ctx context.Context, sessionID id.SessionID) (Session, error)

	// Touch advances LastSeenAt for liveness tracking.
	Touch(ctx context.Context, sessionID id.SessionID, at time.Time) error

	// DenyToken marks a token's jti revoked until its natural expiry.
	DenyToken(ctx context.Context, jti string, ttl time.Duration) error

	// IsTokenDenied reports whether the jti is on the denylist.
	IsTokenDenied(ctx context.Context, jti string) (bool, error)
}
