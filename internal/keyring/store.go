package keyring

import (
	"context"

	id "msgvault/pkg/domain"
)

// Epoch numbers a thread's key generation. Threads start at epoch 0;
// rotation bumps the counter by exactly one.
type Epoch = uint32

// Store persists per-thread epoch counters. Only counters are stored,
// never derived keys.
type Store interface {
	// Epoch returns the active epoch for a thread. Unknown threads are
	// implicitly at epoch 0.
	Epoch(ctx context.Context, threadID id.ThreadID) (Epoch, error)

	// Bump atomically increments the thread's epoch and returns the new
	// value. Concurrent bumps serialize: each call accounts for exactly
	// one increment.
	Bump(ctx context.Context, threadID id.ThreadID) (Epoch, error)
}
