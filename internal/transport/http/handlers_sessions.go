package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	id "msgvault/pkg/domain"
	dErrors "msgvault/pkg/domain-errors"
	"msgvault/pkg/platform/httputil"
	"msgvault/pkg/requestcontext"
)

type createSessionRequest struct {
	UserID    string   `json:"user_id"`
	TenantID  string   `json:"tenant_id"`
	ThreadIDs []string `json:"thread_ids"`
	// UserAgent identifies the end-user device. The platform backend relays
	// it because its own User-Agent header is not the client's.
	UserAgent string `json:"user_agent,omitempty"`
}

type createSessionResponse struct {
	SessionID   string    `json:"session_id"`
	Token       string    `json:"token"`
	DeviceLabel string    `json:"device_label"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[createSessionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	userID, err := id.ParseUserID(req.UserID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid user_id"))
		return
	}
	tenantID, err := id.ParseTenantID(req.TenantID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid tenant_id"))
		return
	}

	threadIDs := make([]id.ThreadID, 0, len(req.ThreadIDs))
	for _, raw := range req.ThreadIDs {
		threadID, err := id.ParseThreadID(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid thread id in thread_ids"))
			return
		}
		threadIDs = append(threadIDs, threadID)
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = requestcontext.UserAgent(ctx)
	}

	sess, token, err := h.sessions.Create(ctx, userID, tenantID, threadIDs, userAgent)
	if err != nil {
		h.logger.ErrorContext(ctx, "session creation failed",
			"request_id", requestID,
			"user_id", userID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:   sess.ID.String(),
		Token:       token,
		DeviceLabel: sess.DeviceLabel,
		ExpiresAt:   sess.ExpiresAt,
	})
}

// handleRevokeSession revokes the session and disconnects any live streams
// attached under it.
func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid session id"))
		return
	}

	if err := h.sessions.Revoke(ctx, sessionID); err != nil {
		h.logger.ErrorContext(ctx, "session revocation failed",
			"request_id", requestID,
			"session_id", sessionID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	if dropped := h.hub.DetachSession(sessionID); dropped > 0 {
		h.logger.InfoContext(ctx, "live subscriptions detached",
			"request_id", requestID,
			"session_id", sessionID.String(),
			"subscriptions", dropped,
		)
	}

	w.WriteHeader(http.StatusNoContent)
}
