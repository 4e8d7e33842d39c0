// Package audit defines the audit event model and the durable publisher.
//
// Two tiers exist. Domain events (thread/session/key lifecycle, message
// appends) are durable: they are written to the transactional outbox in the
// same transaction as the domain change and drained to Kafka by the outbox
// worker. Signal events (rate-limit denials, dropped subscribers,
// heartbeats) are high-volume operational telemetry: they go through a
// bounded ring buffer and may be dropped under pressure.
//
// Events carry identifiers and sizes only, never message content.
package audit

import (
	"time"

	"github.com/google/uuid"

	id "msgvault/pkg/domain"
)

// EventCategory classifies audit events by delivery guarantee.
type EventCategory string

const (
	// CategoryDomain covers lifecycle events with compliance significance.
	// These are written through the transactional outbox and never dropped.
	CategoryDomain EventCategory = "domain"

	// CategorySignal covers high-volume operational signals. These are
	// buffered and may be dropped under pressure.
	CategorySignal EventCategory = "signal"
)

// Action names an audited operation.
type Action string

const (
	// Domain actions
	ActionThreadCreated   Action = "thread.created"
	ActionThreadArchived  Action = "thread.archived"
	ActionMessageAppended Action = "message.appended"
	ActionKeyRotated      Action = "key.rotated"
	ActionSessionCreated  Action = "session.created"
	ActionSessionRevoked  Action = "session.revoked"

	// Signal actions
	ActionRateLimitExceeded Action = "ratelimit.exceeded"
	ActionSubscriberDropped Action = "subscriber.dropped"
	ActionSessionHeartbeat  Action = "session.heartbeat"
)

// actionCategories maps each action to its category. Unknown actions
// default to CategorySignal so an unmapped event can never block a domain
// transaction.
var actionCategories = map[Action]EventCategory{
	ActionThreadCreated:   CategoryDomain,
	ActionThreadArchived:  CategoryDomain,
	ActionMessageAppended: CategoryDomain,
	ActionKeyRotated:      CategoryDomain,
	ActionSessionCreated:  CategoryDomain,
	ActionSessionRevoked:  CategoryDomain,

	ActionRateLimitExceeded: CategorySignal,
	ActionSubscriberDropped: CategorySignal,
	ActionSessionHeartbeat:  CategorySignal,
}

// Category returns the EventCategory for this action.
func (a Action) Category() EventCategory {
	if cat, ok := actionCategories[a]; ok {
		return cat
	}
	return CategorySignal
}

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID        uuid.UUID
	Action    Action
	Category  EventCategory
	Timestamp time.Time

	// Aggregate identifiers; zero values are omitted from payloads.
	ThreadID  id.ThreadID
	SessionID id.SessionID
	UserID    id.UserID

	// RequestID is the correlation ID from the request context.
	RequestID string

	// Fields carries small scalar facts (sequence numbers, byte counts,
	// epochs, close reasons). Never message content.
	Fields map[string]string
}

// AggregateID returns the partition key for broker publishing: thread ID
// when set, else session ID, else the event's own ID. Keeping one aggregate
// on one partition preserves per-aggregate ordering.
func (e Event) AggregateID() string {
	switch {
	case !e.ThreadID.IsNil():
		return e.ThreadID.String()
	case !e.SessionID.IsNil():
		return e.SessionID.String()
	default:
		return e.ID.String()
	}
}
