package httptransport

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"msgvault/internal/message"
	"msgvault/internal/ratelimit"
	id "msgvault/pkg/domain"
	dErrors "msgvault/pkg/domain-errors"
	"msgvault/pkg/platform/httputil"
	"msgvault/pkg/requestcontext"
)

type createThreadRequest struct {
	TenantID  string `json:"tenant_id"`
	CreatedBy string `json:"created_by"`
	Title     string `json:"title"`
}

type threadResponse struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CreatedBy string    `json:"created_by"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Archived  bool      `json:"archived"`
}

type actorRequest struct {
	ActorID string `json:"actor_id"`
}

type appendMessageRequest struct {
	SenderID string `json:"sender_id"`
	Kind     string `json:"kind"`
	// Body is base64 so binary payloads survive JSON.
	Body string `json:"body"`
}

type messageResponse struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Seq       uint64    `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[createThreadRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	tenantID, err := id.ParseTenantID(req.TenantID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid tenant_id"))
		return
	}
	creator, err := id.ParseUserID(req.CreatedBy)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid created_by"))
		return
	}

	th, err := h.messages.CreateThread(ctx, tenantID, creator, req.Title)
	if err != nil {
		h.logger.ErrorContext(ctx, "thread creation failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, threadResponse{
		ID:        th.ID.String(),
		TenantID:  th.TenantID.String(),
		CreatedBy: th.CreatedBy.String(),
		Title:     th.Title,
		CreatedAt: th.CreatedAt,
		Archived:  th.Archived(),
	})
}

func (h *Handler) handleArchiveThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	threadID, actor, ok := h.threadAndActor(w, r)
	if !ok {
		return
	}

	if err := h.messages.Archive(ctx, threadID, actor); err != nil {
		h.logger.ErrorContext(ctx, "thread archive failed",
			"request_id", requestID,
			"thread_id", threadID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	threadID, actor, ok := h.threadAndActor(w, r)
	if !ok {
		return
	}

	epoch, err := h.messages.RotateKey(ctx, threadID, actor)
	if err != nil {
		h.logger.ErrorContext(ctx, "key rotation failed",
			"request_id", requestID,
			"thread_id", threadID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID.String(),
		"epoch":     uint64(epoch),
	})
}

func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	threadID, err := id.ParseThreadID(chi.URLParam(r, "threadID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid thread id"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[appendMessageRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	sender, err := id.ParseUserID(req.SenderID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid sender_id"))
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "body is not valid base64"))
		return
	}

	result := h.limiter.AllowSendBySender(ctx, sender)
	if !result.Allowed {
		ratelimit.WriteExceeded(w, result)
		return
	}
	ratelimit.SetHeaders(w, result)

	msg, err := h.messages.Append(ctx, threadID, sender, message.Kind(req.Kind), body)
	if err != nil {
		h.logger.ErrorContext(ctx, "message append failed",
			"request_id", requestID,
			"thread_id", threadID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, messageResponse{
		MessageID: msg.ID.String(),
		ThreadID:  msg.ThreadID.String(),
		Seq:       msg.Seq,
		SenderID:  msg.SenderID.String(),
		Kind:      string(msg.Kind),
		CreatedAt: msg.CreatedAt,
	})
}

const (
	historyDefaultLimit = 100
	historyMaxLimit     = 500
)

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	threadID, err := id.ParseThreadID(chi.URLParam(r, "threadID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid thread id"))
		return
	}

	sess, err := h.sessions.Get(ctx, requestcontext.SessionID(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !sess.AuthorizedForThread(threadID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "session not authorized for thread"))
		return
	}

	afterSeq, err := parseUintParam(r, "after_seq", 0)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid after_seq"))
		return
	}
	limit, err := parseUintParam(r, "limit", historyDefaultLimit)
	if err != nil || limit > historyMaxLimit {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid limit"))
		return
	}

	msgs, err := h.messages.History(ctx, threadID, afterSeq, int(limit))
	if err != nil {
		h.logger.ErrorContext(ctx, "history read failed",
			"request_id", requestID,
			"thread_id", threadID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, messageResponse{
			MessageID: msg.ID.String(),
			ThreadID:  msg.ThreadID.String(),
			Seq:       msg.Seq,
			SenderID:  msg.SenderID.String(),
			Kind:      string(msg.Kind),
			Body:      base64.StdEncoding.EncodeToString(msg.Body),
			CreatedAt: msg.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (h *Handler) threadAndActor(w http.ResponseWriter, r *http.Request) (id.ThreadID, id.UserID, bool) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	threadID, err := id.ParseThreadID(chi.URLParam(r, "threadID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid thread id"))
		return id.ThreadID{}, id.UserID{}, false
	}

	req, ok := httputil.DecodeAndPrepare[actorRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return id.ThreadID{}, id.UserID{}, false
	}
	actor, err := id.ParseUserID(req.ActorID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid actor_id"))
		return id.ThreadID{}, id.UserID{}, false
	}
	return threadID, actor, true
}

func parseUintParam(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
