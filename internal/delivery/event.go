// Package delivery fans appended messages out to live subscribers with
// bounded queues, replay-then-live splicing, and slow-consumer eviction.
package delivery

import (
	"time"

	id "msgvault/pkg/domain"
)

// Event is one decrypted message on its way to subscribers. Fan-out
// carries plaintext: subscribers are authorized sessions and re-sealing
// per subscriber would buy nothing (the server already holds the key).
type Event struct {
	ThreadID   id.ThreadID
	Seq        uint64
	MessageID  id.MessageID
	SenderID   id.UserID
	Kind       string
	Body       []byte
	AppendedAt time.Time
}
