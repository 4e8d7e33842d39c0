// Package postgres opens the durable store (threads, messages, key epochs,
// audit outbox) and applies the embedded schema at startup.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"msgvault/internal/platform/config"
)

// Schema is idempotent: every statement is CREATE ... IF NOT EXISTS so
// startup migration is safe to run concurrently from multiple replicas.
const Schema = `
CREATE TABLE IF NOT EXISTS threads (
	id          UUID PRIMARY KEY,
	tenant_id   UUID NOT NULL,
	created_by  UUID NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	last_seq    BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS thread_epochs (
	thread_id  UUID PRIMARY KEY REFERENCES threads(id) ON DELETE CASCADE,
	epoch      BIGINT NOT NULL DEFAULT 0,
	rotated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         UUID PRIMARY KEY,
	thread_id  UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	seq        BIGINT NOT NULL,
	sender_id  UUID NOT NULL,
	kind       TEXT NOT NULL,
	sealed     BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (thread_id, seq)
);

CREATE TABLE IF NOT EXISTS audit_outbox (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	published_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS audit_outbox_unpublished_idx
	ON audit_outbox (created_at) WHERE published_at IS NULL;
`

// Open connects to Postgres, applies pool limits, pings, and migrates the
// schema. Returns nil if the DSN is empty (Postgres not configured).
func Open(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies the embedded schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
