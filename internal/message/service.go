package message

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"msgvault/internal/delivery"
	"msgvault/internal/envelope"
	"msgvault/internal/keyring"
	"msgvault/internal/platform/metrics"
	id "msgvault/pkg/domain"
	dErrors "msgvault/pkg/domain-errors"
	"msgvault/pkg/platform/audit"
	"msgvault/pkg/platform/sentinel"
	"msgvault/pkg/platform/tx"
	"msgvault/pkg/requestcontext"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// Sink receives committed messages for fan-out. Publish must not block.
type Sink interface {
	Publish(ev delivery.Event)
}

type nopSink struct{}

func (nopSink) Publish(delivery.Event) {}

// Service owns the thread/message lifecycle: sealing on write, opening on
// read, and the invariant that a stored row and its audit record commit
// together.
type Service struct {
	store      Store
	keys       *keyring.Service
	runner     tx.Runner
	auditor    *audit.Publisher
	sink       Sink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	maxPayload int
}

func NewService(store Store, keys *keyring.Service, runner tx.Runner, auditor *audit.Publisher, sink Sink, m *metrics.Metrics, logger *slog.Logger, maxPayload int) *Service {
	if sink == nil {
		sink = nopSink{}
	}
	if runner == nil {
		runner = tx.NopRunner{}
	}
	return &Service{
		store:      store,
		keys:       keys,
		runner:     runner,
		auditor:    auditor,
		sink:       sink,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("msgvault/message"),
		maxPayload: maxPayload,
	}
}

// CreateThread provisions a new thread owned by creator. The thread row and
// its thread.created audit record commit in one transaction.
func (s *Service) CreateThread(ctx context.Context, tenantID id.TenantID, creator id.UserID, title string) (Thread, error) {
	th := Thread{
		ID:        id.NewThreadID(),
		TenantID:  tenantID,
		CreatedBy: creator,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}

	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateThread(ctx, th); err != nil {
			return err
		}
		return s.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionThreadCreated,
			ThreadID: th.ID,
			UserID:   creator,
		})
	})
	if err != nil {
		return Thread{}, dErrors.Wrap(err, dErrors.CodeInternal, "create thread")
	}

	s.logger.InfoContext(ctx, "thread created",
		"thread_id", th.ID.String(),
		"request_id", requestcontext.RequestID(ctx))
	return th, nil
}

// Thread returns thread metadata.
func (s *Service) Thread(ctx context.Context, threadID id.ThreadID) (Thread, error) {
	th, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Thread{}, dErrors.New(dErrors.CodeNotFound, "thread not found")
		}
		return Thread{}, dErrors.Wrap(err, dErrors.CodeInternal, "load thread")
	}
	return th, nil
}

// Append validates, seals, and persists one message. The sequence number is
// assigned by the store inside the same transaction as the audit outbox row,
// so a committed seq always has a matching audit record. Fan-out happens
// after commit and never delays the writer.
func (s *Service) Append(ctx context.Context, threadID id.ThreadID, senderID id.UserID, kind Kind, body []byte) (PlainMessage, error) {
	ctx, span := s.tracer.Start(ctx, "message.append",
		trace.WithAttributes(attribute.String("thread_id", threadID.String())))
	defer span.End()

	if !kind.IsValid() {
		return PlainMessage{}, dErrors.Newf(dErrors.CodeInvalidInput, "unknown message kind %q", kind)
	}
	if len(body) == 0 {
		return PlainMessage{}, dErrors.New(dErrors.CodeInvalidInput, "empty message body")
	}
	if s.maxPayload > 0 && len(body) > s.maxPayload {
		return PlainMessage{}, dErrors.Newf(dErrors.CodeInvalidInput, "message body exceeds %d bytes", s.maxPayload)
	}

	key, epoch, err := s.keys.ActiveKey(ctx, threadID)
	if err != nil {
		return PlainMessage{}, dErrors.Wrap(err, dErrors.CodeInternal, "derive thread key")
	}
	defer key.Zero()

	started := time.Now()
	msg := Message{
		ID:        id.NewMessageID(),
		ThreadID:  threadID,
		SenderID:  senderID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		// Seal inside the seq callback: seq is part of the AAD, and we
		// only learn it once the store hands it out.
		stored, err := s.store.AppendMessage(ctx, msg, func(seq uint64) ([]byte, error) {
			return envelope.Seal([32]byte(key), threadID, uint32(epoch), seq, body)
		})
		if err != nil {
			return err
		}
		msg = stored
		return s.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionMessageAppended,
			ThreadID: threadID,
			UserID:   senderID,
			Fields: map[string]string{
				"seq":        strconv.FormatUint(msg.Seq, 10),
				"message_id": msg.ID.String(),
			},
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return PlainMessage{}, dErrors.New(dErrors.CodeNotFound, "thread not found")
		case errors.Is(err, sentinel.ErrInvalidState):
			return PlainMessage{}, dErrors.New(dErrors.CodeConflict, "thread is archived")
		default:
			return PlainMessage{}, dErrors.Wrap(err, dErrors.CodeInternal, "append message")
		}
	}

	s.metrics.MessagesAppended.Inc()
	s.metrics.AppendDuration.Observe(time.Since(started).Seconds())

	s.sink.Publish(delivery.Event{
		ThreadID:   threadID,
		Seq:        msg.Seq,
		MessageID:  msg.ID,
		SenderID:   senderID,
		Kind:       string(kind),
		Body:       body,
		AppendedAt: msg.CreatedAt,
	})

	return PlainMessage{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		Seq:       msg.Seq,
		SenderID:  msg.SenderID,
		Kind:      msg.Kind,
		Body:      body,
		CreatedAt: msg.CreatedAt,
	}, nil
}

// History returns decrypted messages with seq > afterSeq, ascending, at most
// limit. A row that fails to open is an error, not a skip: a gap in history
// would look identical to silent tampering.
func (s *Service) History(ctx context.Context, threadID id.ThreadID, afterSeq uint64, limit int) ([]PlainMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if _, err := s.Thread(ctx, threadID); err != nil {
		return nil, err
	}

	rows, err := s.store.ListMessages(ctx, threadID, afterSeq, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list messages")
	}

	out := make([]PlainMessage, 0, len(rows))
	for _, row := range rows {
		plain, err := s.open(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}

// Replay feeds the delivery hub's catch-up phase. It is History shaped as
// fan-out events.
func (s *Service) Replay(ctx context.Context, threadID id.ThreadID, afterSeq uint64, limit int) ([]delivery.Event, error) {
	msgs, err := s.History(ctx, threadID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	events := make([]delivery.Event, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, delivery.Event{
			ThreadID:   m.ThreadID,
			Seq:        m.Seq,
			MessageID:  m.ID,
			SenderID:   m.SenderID,
			Kind:       string(m.Kind),
			Body:       m.Body,
			AppendedAt: m.CreatedAt,
		})
	}
	return events, nil
}

// Archive marks a thread read-only. Repeat calls are no-ops.
func (s *Service) Archive(ctx context.Context, threadID id.ThreadID, actor id.UserID) error {
	th, err := s.Thread(ctx, threadID)
	if err != nil {
		return err
	}
	if th.Archived() {
		return nil
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.ArchiveThread(ctx, threadID, time.Now().UTC()); err != nil {
			return err
		}
		return s.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionThreadArchived,
			ThreadID: threadID,
			UserID:   actor,
		})
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "archive thread")
	}

	s.logger.InfoContext(ctx, "thread archived",
		"thread_id", threadID.String(),
		"request_id", requestcontext.RequestID(ctx))
	return nil
}

// RotateKey bumps the thread's key epoch. Existing rows stay readable under
// their recorded epoch.
func (s *Service) RotateKey(ctx context.Context, threadID id.ThreadID, actor id.UserID) (keyring.Epoch, error) {
	if _, err := s.Thread(ctx, threadID); err != nil {
		return 0, err
	}
	return s.keys.Rotate(ctx, threadID, actor)
}

func (s *Service) open(ctx context.Context, row Message) (PlainMessage, error) {
	epoch, err := envelope.ParseEpoch(row.Sealed)
	if err != nil {
		return PlainMessage{}, dErrors.Wrapf(err, dErrors.CodeInternal, "message %s: malformed envelope", row.ID)
	}
	key, err := s.keys.KeyFor(ctx, row.ThreadID, keyring.Epoch(epoch))
	if err != nil {
		return PlainMessage{}, dErrors.Wrapf(err, dErrors.CodeInternal, "message %s: key derivation", row.ID)
	}
	defer key.Zero()

	body, err := envelope.Open([32]byte(key), row.ThreadID, epoch, row.Seq, row.Sealed)
	if err != nil {
		s.logger.ErrorContext(ctx, "stored message failed authentication",
			"thread_id", row.ThreadID.String(),
			"seq", row.Seq,
			"error", err)
		return PlainMessage{}, dErrors.Wrapf(err, dErrors.CodeInternal, "message %s: open envelope", row.ID)
	}
	return PlainMessage{
		ID:        row.ID,
		ThreadID:  row.ThreadID,
		Seq:       row.Seq,
		SenderID:  row.SenderID,
		Kind:      row.Kind,
		Body:      body,
		CreatedAt: row.CreatedAt,
	}, nil
}
