package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	id "msgvault/pkg/domain"
	"msgvault/pkg/requestcontext"
)

// Store is the durable sink for domain events. The Postgres implementation
// writes the transactional outbox; the memory implementation retains events
// for tests and Kafka-less dev mode.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store Store
}

// NewPublisher creates a publisher over a durable store.
func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// Emit fills event defaults (ID, timestamp, category, request ID from
// context) and appends to the store. When the context carries a SQL
// transaction the append joins it, making the event atomic with the domain
// change.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = event.Action.Category()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	return p.store.Append(ctx, event)
}

// Lister is implemented by stores that can be queried back (memory store,
// materialized Postgres table). Used by tests and dev introspection.
type Lister interface {
	ListByThread(ctx context.Context, threadID id.ThreadID) ([]Event, error)
}
