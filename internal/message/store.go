package message

import (
	"context"
	"time"

	id "msgvault/pkg/domain"
)

// Store persists threads and sealed messages. Implementations return
// sentinel errors; the service translates them into domain errors.
type Store interface {
	CreateThread(ctx context.Context, thread Thread) error

	// GetThread returns sentinel.ErrNotFound for unknown threads.
	GetThread(ctx context.Context, threadID id.ThreadID) (Thread, error)

	// ArchiveThread marks a thread archived. Idempotent: archiving an
	// archived thread is a no-op.
	ArchiveThread(ctx context.Context, threadID id.ThreadID, archivedAt time.Time) error

	// AppendMessage assigns the next sequence number atomically, obtains
	// the sealed payload from seal (the sequence number is bound into the
	// ciphertext, so sealing cannot happen earlier), and persists the
	// message, returning it with Seq and Sealed filled.
	// Returns sentinel.ErrNotFound for unknown threads and
	// sentinel.ErrInvalidState for archived ones.
	AppendMessage(ctx context.Context, msg Message, seal func(seq uint64) ([]byte, error)) (Message, error)

	// ListMessages returns sealed messages with seq > afterSeq in
	// ascending seq order, at most limit rows.
	ListMessages(ctx context.Context, threadID id.ThreadID, afterSeq uint64, limit int) ([]Message, error)

	// LastSeq returns the highest assigned sequence number (0 if none).
	LastSeq(ctx context.Context, threadID id.ThreadID) (uint64, error)
}
