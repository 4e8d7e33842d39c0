package keyring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	id "msgvault/pkg/domain"
	txcontext "msgvault/pkg/platform/tx"

	"github.com/google/uuid"
)

// PostgresStore persists epoch counters in the thread_epochs table.
// Bump relies on a single-row UPDATE ... RETURNING so concurrent rotations
// serialize on the row lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed epoch store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) runner(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Epoch(ctx context.Context, threadID id.ThreadID) (Epoch, error) {
	var epoch int64
	err := s.runner(ctx).QueryRowContext(ctx,
		`SELECT epoch FROM thread_epochs WHERE thread_id = $1`,
		uuid.UUID(threadID),
	).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		// Threads start at epoch 0 without a row.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query thread epoch: %w", err)
	}
	return Epoch(epoch), nil
}

func (s *PostgresStore) Bump(ctx context.Context, threadID id.ThreadID) (Epoch, error) {
	run := s.runner(ctx)

	// Ensure the row exists, then bump. The INSERT is a no-op when the row
	// is already present; the UPDATE takes the row lock.
	_, err := run.ExecContext(ctx,
		`INSERT INTO thread_epochs (thread_id, epoch, rotated_at)
		 VALUES ($1, 0, $2)
		 ON CONFLICT (thread_id) DO NOTHING`,
		uuid.UUID(threadID), time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("ensure epoch row: %w", err)
	}

	var epoch int64
	err = run.QueryRowContext(ctx,
		`UPDATE thread_epochs
		 SET epoch = epoch + 1, rotated_at = $2
		 WHERE thread_id = $1
		 RETURNING epoch`,
		uuid.UUID(threadID), time.Now(),
	).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("bump thread epoch: %w", err)
	}
	return Epoch(epoch), nil
}
