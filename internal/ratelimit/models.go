// Package ratelimit enforces per-session send limits and per-user attach
// limits with a sliding window, shared across nodes when Redis backs it.
package ratelimit

import (
	"time"

	id "msgvault/pkg/domain"
)

// Result is the outcome of a limit check, carrying what transports need for
// X-RateLimit response headers.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// Window keys. Send limits are per session so one noisy device cannot burn
// the user's budget on another device; attach limits are per user to cap
// reconnect storms across all their devices.

func sendKey(sessionID id.SessionID) string {
	return "send:" + sessionID.String()
}

func attachKey(userID id.UserID) string {
	return "attach:" + userID.String()
}

func senderKey(userID id.UserID) string {
	return "send:user:" + userID.String()
}
