package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	id "msgvault/pkg/domain"
	dErrors "msgvault/pkg/domain-errors"
	"msgvault/pkg/platform/audit"
	"msgvault/pkg/platform/sentinel"
	"msgvault/pkg/requestcontext"
)

// Service issues and polices realtime sessions. A session is created by the
// platform backend on behalf of an authenticated user, handed to the client
// as a signed token, and checked on every attach and on a heartbeat cadence
// while streaming.
type Service struct {
	store   Store
	tokens  *TokenService
	auditor *audit.Publisher
	logger  *slog.Logger
	ttl     time.Duration
}

func NewService(store Store, tokens *TokenService, auditor *audit.Publisher, logger *slog.Logger, ttl time.Duration) *Service {
	return &Service{
		store:   store,
		tokens:  tokens,
		auditor: auditor,
		logger:  logger,
		ttl:     ttl,
	}
}

// Create issues a session scoped to the given threads and returns it with
// its signed token. The caller (platform backend) is trusted to have
// authorized the user for those threads.
func (s *Service) Create(ctx context.Context, userID id.UserID, tenantID id.TenantID, threadIDs []id.ThreadID, userAgent string) (Session, string, error) {
	if userID.IsNil() {
		return Session{}, "", dErrors.New(dErrors.CodeInvalidInput, "user id is required")
	}
	if len(threadIDs) == 0 {
		return Session{}, "", dErrors.New(dErrors.CodeInvalidInput, "at least one thread id is required")
	}

	now := time.Now().UTC()
	sess := Session{
		ID:          id.NewSessionID(),
		UserID:      userID,
		TenantID:    tenantID,
		ThreadIDs:   threadIDs,
		DeviceLabel: ParseUserAgent(userAgent),
		Status:      StatusActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		LastSeenAt:  now,
	}

	token, jti, err := s.tokens.Generate(sess)
	if err != nil {
		return Session{}, "", dErrors.Wrap(err, dErrors.CodeInternal, "sign session token")
	}
	sess.TokenJTI = jti

	if err := s.store.Save(ctx, sess); err != nil {
		return Session{}, "", dErrors.Wrap(err, dErrors.CodeUnavailable, "save session")
	}

	if err := s.auditor.Emit(ctx, audit.Event{
		Action:    audit.ActionSessionCreated,
		SessionID: sess.ID,
		UserID:    userID,
		Fields:    map[string]string{"device": sess.DeviceLabel},
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to audit session creation",
			"session_id", sess.ID.String(),
			"error", err)
	}

	s.logger.InfoContext(ctx, "session created",
		"session_id", sess.ID.String(),
		"user_id", userID.String(),
		"threads", len(threadIDs),
		"request_id", requestcontext.RequestID(ctx))
	return sess, token, nil
}

// Validate checks a token end to end: signature, expiry, denylist, and the
// stored session's status. Revoked, expired, and unknown sessions all come
// back as CodeUnauthorized so a probing client learns nothing from the
// distinction.
func (s *Service) Validate(ctx context.Context, tokenString string) (Session, error) {
	claims, err := s.tokens.Validate(tokenString)
	if err != nil {
		return Session{}, err
	}

	denied, err := s.store.IsTokenDenied(ctx, claims.ID)
	if err != nil {
		return Session{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "check token denylist")
	}
	if denied {
		return Session{}, dErrors.New(dErrors.CodeUnauthorized, "session is no longer valid")
	}

	sid, err := claims.ParsedSessionID()
	if err != nil {
		return Session{}, err
	}

	sess, err := s.store.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Session{}, dErrors.New(dErrors.CodeUnauthorized, "session is no longer valid")
		}
		return Session{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load session")
	}

	if sess.Status != StatusActive || sess.ExpiredAt(time.Now().UTC()) {
		return Session{}, dErrors.New(dErrors.CodeUnauthorized, "session is no longer valid")
	}
	return sess, nil
}

// Get returns an active session by ID. Expired and revoked sessions come
// back as CodeUnauthorized, same as Validate.
func (s *Service) Get(ctx context.Context, sessionID id.SessionID) (Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Session{}, dErrors.New(dErrors.CodeUnauthorized, "session is no longer valid")
		}
		return Session{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load session")
	}
	if sess.Status != StatusActive || sess.ExpiredAt(time.Now().UTC()) {
		return Session{}, dErrors.New(dErrors.CodeUnauthorized, "session is no longer valid")
	}
	return sess, nil
}

// Touch records liveness for an attached session.
func (s *Service) Touch(ctx context.Context, sessionID id.SessionID) error {
	err := s.store.Touch(ctx, sessionID, time.Now().UTC())
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeUnauthorized, "session is no longer valid")
	}
	return err
}

// Revoke marks the session revoked and denylists outstanding tokens for the
// remainder of their lifetime. Idempotent: revoking a revoked session is a
// no-op.
func (s *Service) Revoke(ctx context.Context, sessionID id.SessionID) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "load session")
	}
	if sess.Status == StatusRevoked {
		return nil
	}

	sess.Status = StatusRevoked
	if err := s.store.Save(ctx, sess); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "save session")
	}
	if ttl := time.Until(sess.ExpiresAt); ttl > 0 {
		if err := s.store.DenyToken(ctx, sess.TokenJTI, ttl); err != nil {
			s.logger.WarnContext(ctx, "failed to denylist revoked session token",
				"session_id", sess.ID.String(),
				"error", err)
		}
	}

	if err := s.auditor.Emit(ctx, audit.Event{
		Action:    audit.ActionSessionRevoked,
		SessionID: sess.ID,
		UserID:    sess.UserID,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to audit session revocation",
			"session_id", sess.ID.String(),
			"error", err)
	}

	s.logger.InfoContext(ctx, "session revoked",
		"session_id", sess.ID.String(),
		"request_id", requestcontext.RequestID(ctx))
	return nil
}

// RevokeToken denylists a specific token jti until expiry. Used when a
// client reports a leaked token without tearing down the whole session.
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := s.tokens.Validate(tokenString)
	if err != nil {
		return err
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	return s.store.DenyToken(ctx, claims.ID, ttl)
}
