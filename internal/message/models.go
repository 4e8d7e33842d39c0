// Package message owns threads and their encrypted messages: creation,
// append with atomic sequence assignment, history reads, and archival.
package message

import (
	"time"

	id "msgvault/pkg/domain"
)

// Kind distinguishes user text from service-generated notices.
type Kind string

const (
	KindText   Kind = "text"
	KindSystem Kind = "system"
)

// IsValid checks if the kind is one of the supported enum values.
func (k Kind) IsValid() bool {
	return k == KindText || k == KindSystem
}

// Thread groups an ordered message sequence under one tenant.
type Thread struct {
	ID         id.ThreadID
	TenantID   id.TenantID
	CreatedBy  id.UserID
	Title      string
	CreatedAt  time.Time
	ArchivedAt *time.Time
}

// Archived reports whether the thread no longer accepts appends.
func (t Thread) Archived() bool {
	return t.ArchivedAt != nil
}

// Message is the persisted, sealed form. Seq is per-thread, strictly
// monotonic and gapless, assigned by the store at append time.
type Message struct {
	ID        id.MessageID
	ThreadID  id.ThreadID
	Seq       uint64
	SenderID  id.UserID
	Kind      Kind
	Sealed    []byte
	CreatedAt time.Time
}

// PlainMessage is the decrypted view returned to authorized readers.
type PlainMessage struct {
	ID        id.MessageID
	ThreadID  id.ThreadID
	Seq       uint64
	SenderID  id.UserID
	Kind      Kind
	Body      []byte
	CreatedAt time.Time
}
