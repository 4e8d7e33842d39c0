package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"msgvault/internal/platform/config"
	"msgvault/internal/platform/metrics"
	id "msgvault/pkg/domain"
	"msgvault/pkg/platform/audit"
	"msgvault/pkg/requestcontext"
)

// Signaler accepts best-effort audit signals without blocking.
type Signaler interface {
	Emit(event audit.Event)
}

type nopSignaler struct{}

func (nopSignaler) Emit(audit.Event) {}

// Service applies the configured limits. Store failures fail open: losing
// Redis should degrade rate limiting, not take messaging down with it.
type Service struct {
	store   Store
	limits  config.LimitsConfig
	signals Signaler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(store Store, limits config.LimitsConfig, signals Signaler, m *metrics.Metrics, logger *slog.Logger) *Service {
	if signals == nil {
		signals = nopSignaler{}
	}
	return &Service{
		store:   store,
		limits:  limits,
		signals: signals,
		metrics: m,
		logger:  logger,
	}
}

// AllowSend checks the per-session message budget.
func (s *Service) AllowSend(ctx context.Context, sessionID id.SessionID, userID id.UserID) Result {
	return s.check(ctx, sendKey(sessionID), s.limits.SendLimit, s.limits.SendWindow, "send", sessionID, userID)
}

// AllowSendBySender checks the per-sender message budget. Used on the HTTP
// append path, where no realtime session exists.
func (s *Service) AllowSendBySender(ctx context.Context, userID id.UserID) Result {
	return s.check(ctx, senderKey(userID), s.limits.SendLimit, s.limits.SendWindow, "send", id.SessionID{}, userID)
}

// AllowAttach checks the per-user attach budget.
func (s *Service) AllowAttach(ctx context.Context, sessionID id.SessionID, userID id.UserID) Result {
	return s.check(ctx, attachKey(userID), s.limits.AttachLimit, s.limits.AttachWindow, "attach", sessionID, userID)
}

func (s *Service) check(ctx context.Context, key string, limit int, window time.Duration, op string, sessionID id.SessionID, userID id.UserID) Result {
	if limit <= 0 {
		return Result{Allowed: true, Remaining: -1, ResetAt: time.Now().Add(window), Limit: 0}
	}

	result, err := s.store.Allow(ctx, key, limit, window)
	if err != nil {
		s.logger.WarnContext(ctx, "rate limit store unavailable, failing open",
			"op", op,
			"error", err,
			"request_id", requestcontext.RequestID(ctx))
		return Result{Allowed: true, Remaining: -1, ResetAt: time.Now().Add(window), Limit: limit}
	}

	if !result.Allowed {
		s.metrics.RateLimitExceeded.WithLabelValues(op).Inc()
		s.signals.Emit(audit.Event{
			Action:    audit.ActionRateLimitExceeded,
			SessionID: sessionID,
			UserID:    userID,
			Fields:    map[string]string{"op": op},
		})
	}
	return result
}
