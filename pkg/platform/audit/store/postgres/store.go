// Package postgres implements the audit store using the transactional
// outbox pattern. Events are written to the audit_outbox table - inside the
// caller's transaction when one is in the context - and published to Kafka
// by the outbox worker. The broker is the source of truth for audit events.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	audit "msgvault/pkg/platform/audit"
	"msgvault/pkg/platform/audit/outbox"
	txcontext "msgvault/pkg/platform/tx"
)

// Store writes audit events to the outbox and serves the worker's queries.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store that writes to the outbox.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append writes an audit event to the outbox table for Kafka publishing.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	body, err := audit.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	aggregateType := "thread"
	if event.ThreadID.IsNil() {
		aggregateType = "session"
		if event.SessionID.IsNil() {
			aggregateType = "audit"
		}
	}

	query := `
		INSERT INTO audit_outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		event.ID,
		aggregateType,
		event.AggregateID(),
		string(event.Action),
		body,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// FetchUnpublished returns up to limit unpublished rows, oldest first.
// Concurrent worker replicas can fetch overlapping rows between polling
// cycles; delivery is at-least-once and consumers dedupe on event ID.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Row, error) {
	query := `
		SELECT id, aggregate_id, payload
		FROM audit_outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Row
	for rows.Next() {
		var row outbox.Row
		if err := rows.Scan(&row.ID, &row.AggregateID, &row.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

// MarkPublished stamps rows as published. Rows stay in the table for
// introspection; a retention job can prune them out of band.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE audit_outbox SET published_at = $2 WHERE id = ANY($1)`,
		pq.Array(ids), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// Backlog counts unpublished rows, for the backlog gauge.
func (s *Store) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_outbox WHERE published_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox backlog: %w", err)
	}
	return n, nil
}
