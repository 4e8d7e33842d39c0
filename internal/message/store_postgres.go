package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "msgvault/pkg/domain"
	"msgvault/pkg/platform/sentinel"
	txcontext "msgvault/pkg/platform/tx"
)

// PostgresStore persists threads and sealed messages. Sequence numbers
// come from a single-row UPDATE of threads.last_seq inside the append
// transaction: concurrent appends serialize on the row lock and the
// counter never leaves gaps, unlike a Postgres sequence which burns values
// on rollback.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type runner interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) runner(ctx context.Context) runner {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) CreateThread(ctx context.Context, thread Thread) error {
	_, err := s.runner(ctx).ExecContext(ctx,
		`INSERT INTO threads (id, tenant_id, created_by, title, last_seq, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5)`,
		uuid.UUID(thread.ID), uuid.UUID(thread.TenantID), uuid.UUID(thread.CreatedBy),
		thread.Title, thread.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID id.ThreadID) (Thread, error) {
	var (
		thread     Thread
		threadUUID uuid.UUID
		tenantUUID uuid.UUID
		userUUID   uuid.UUID
		archivedAt sql.NullTime
	)
	err := s.runner(ctx).QueryRowContext(ctx,
		`SELECT id, tenant_id, created_by, title, created_at, archived_at
		 FROM threads WHERE id = $1`,
		uuid.UUID(threadID),
	).Scan(&threadUUID, &tenantUUID, &userUUID, &thread.Title, &thread.CreatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("query thread: %w", err)
	}

	thread.ID = id.ThreadID(threadUUID)
	thread.TenantID = id.TenantID(tenantUUID)
	thread.CreatedBy = id.UserID(userUUID)
	if archivedAt.Valid {
		thread.ArchivedAt = &archivedAt.Time
	}
	return thread, nil
}

func (s *PostgresStore) ArchiveThread(ctx context.Context, threadID id.ThreadID, archivedAt time.Time) error {
	result, err := s.runner(ctx).ExecContext(ctx,
		`UPDATE threads SET archived_at = $2
		 WHERE id = $1 AND archived_at IS NULL`,
		uuid.UUID(threadID), archivedAt,
	)
	if err != nil {
		return fmt.Errorf("archive thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive thread rows affected: %w", err)
	}
	if affected == 0 {
		// Either unknown or already archived; disambiguate for the caller.
		if _, err := s.GetThread(ctx, threadID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message, seal func(seq uint64) ([]byte, error)) (Message, error) {
	run := s.runner(ctx)

	var (
		seq        int64
		archivedAt sql.NullTime
	)
	err := run.QueryRowContext(ctx,
		`UPDATE threads SET last_seq = last_seq + 1
		 WHERE id = $1
		 RETURNING last_seq, archived_at`,
		uuid.UUID(msg.ThreadID),
	).Scan(&seq, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("assign message seq: %w", err)
	}
	if archivedAt.Valid {
		// The counter bump rolls back with the surrounding transaction.
		return Message{}, sentinel.ErrInvalidState
	}

	msg.Seq = uint64(seq)
	sealed, err := seal(msg.Seq)
	if err != nil {
		return Message{}, fmt.Errorf("seal message: %w", err)
	}
	msg.Sealed = sealed

	_, err = run.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, seq, sender_id, kind, sealed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.UUID(msg.ID), uuid.UUID(msg.ThreadID), seq,
		uuid.UUID(msg.SenderID), string(msg.Kind), msg.Sealed, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID id.ThreadID, afterSeq uint64, limit int) ([]Message, error) {
	rows, err := s.runner(ctx).QueryContext(ctx,
		`SELECT id, thread_id, seq, sender_id, kind, sealed, created_at
		 FROM messages
		 WHERE thread_id = $1 AND seq > $2
		 ORDER BY seq
		 LIMIT $3`,
		uuid.UUID(threadID), int64(afterSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg        Message
			msgUUID    uuid.UUID
			threadUUID uuid.UUID
			senderUUID uuid.UUID
			seq        int64
			kind       string
		)
		if err := rows.Scan(&msgUUID, &threadUUID, &seq, &senderUUID, &kind, &msg.Sealed, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ID = id.MessageID(msgUUID)
		msg.ThreadID = id.ThreadID(threadUUID)
		msg.SenderID = id.UserID(senderUUID)
		msg.Seq = uint64(seq)
		msg.Kind = Kind(kind)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) LastSeq(ctx context.Context, threadID id.ThreadID) (uint64, error) {
	var seq int64
	err := s.runner(ctx).QueryRowContext(ctx,
		`SELECT last_seq FROM threads WHERE id = $1`,
		uuid.UUID(threadID),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sentinel.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return uint64(seq), nil
}
