package ratelimit

import (
	"context"
	"time"
)

// Store counts events in a sliding window. Allow records the event and
// reports whether it fit under the limit.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)

	// Reset clears the window for a key.
	Reset(ctx context.Context, key string) error
}
