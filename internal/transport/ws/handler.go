package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"msgvault/internal/delivery"
	"msgvault/internal/message"
	"msgvault/internal/platform/config"
	"msgvault/internal/platform/metrics"
	"msgvault/internal/ratelimit"
	"msgvault/internal/session"
	id "msgvault/pkg/domain"
	dErrors "msgvault/pkg/domain-errors"
	"msgvault/pkg/platform/audit"
)

// Application close codes, in the 4000-4999 private range.
const (
	CloseUnauthorized websocket.StatusCode = 4401
	CloseSlowConsumer websocket.StatusCode = 4408
	CloseRateLimited  websocket.StatusCode = 4429
)

const (
	maxFrameBytes = 256 * 1024
	// rateLimitStrikes consecutive denied sends close the connection; a
	// client that keeps hammering after 429-style errors is broken.
	rateLimitStrikes = 3
)

// Signaler accepts best-effort audit signals without blocking.
type Signaler interface {
	Emit(event audit.Event)
}

type nopSignaler struct{}

func (nopSignaler) Emit(audit.Event) {}

// Handler upgrades GET /v1/stream to a WebSocket and speaks the frame
// protocol. One connection carries any number of thread subscriptions for
// one session.
type Handler struct {
	sessions *session.Service
	messages *message.Service
	limiter  *ratelimit.Service
	hub      *delivery.Hub
	cursors  delivery.CursorStore
	signals  Signaler
	metrics  *metrics.Metrics
	logger   *slog.Logger

	origins      []string
	writeTimeout time.Duration
	pingInterval time.Duration
	idleTimeout  time.Duration
}

func NewHandler(
	sessions *session.Service,
	messages *message.Service,
	limiter *ratelimit.Service,
	hub *delivery.Hub,
	cursors delivery.CursorStore,
	signals Signaler,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg config.DeliveryConfig,
	sessCfg config.SessionConfig,
	origins []string,
) *Handler {
	if signals == nil {
		signals = nopSignaler{}
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	// pingInterval throttles session liveness writes from client pings.
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	idleTimeout := sessCfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Handler{
		sessions:     sessions,
		messages:     messages,
		limiter:      limiter,
		hub:          hub,
		cursors:      cursors,
		signals:      signals,
		metrics:      m,
		logger:       logger,
		origins:      origins,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
	}
}

// bearerToken extracts the session token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the access_token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}
	sess, err := h.sessions.Validate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(h.origins) > 0 {
		opts.OriginPatterns = h.origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	h.metrics.ActiveConnections.Inc()
	defer h.metrics.ActiveConnections.Dec()

	c := &clientConn{
		handler: h,
		conn:    conn,
		sess:    sess,
		connID:  id.NewConnectionID(),
		subs:    make(map[id.ThreadID]*delivery.Subscription),
	}
	c.run(r.Context())
}

// clientConn is the per-connection state machine.
type clientConn struct {
	handler *Handler
	conn    *websocket.Conn
	sess    session.Session
	connID  id.ConnectionID

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[id.ThreadID]*delivery.Subscription

	strikes   int
	lastTouch time.Time

	closeCh     chan struct{}
	closeStatus websocket.StatusCode
	closeReason string
	closeOnce   sync.Once
}

// write sends one frame under the per-write timeout. Serialized: frames
// come from the read loop and per-subscription pumps concurrently.
func (c *clientConn) write(ctx context.Context, frame ServerFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, c.handler.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, frame)
}

func (c *clientConn) shutdown(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeStatus = status
		c.closeReason = reason
	})
}

func (c *clientConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer c.detachAll()

	if err := c.write(ctx, ServerFrame{Type: FrameReady}); err != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "write_failed")
		return
	}

	frames := make(chan ClientFrame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var frame ClientFrame
			if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	// closing signals a terminal condition raised by a subscription pump.
	closing := make(chan struct{}, 1)
	c.closeCh = closing

	idle := time.NewTimer(c.handler.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close(websocket.StatusNormalClosure, "server_shutdown")
			return

		case <-closing:
			_ = c.write(ctx, ServerFrame{Type: FrameBye, Message: c.closeReason})
			_ = c.conn.Close(c.closeStatus, c.closeReason)
			return

		case <-idle.C:
			_ = c.conn.Close(websocket.StatusNormalClosure, "idle_timeout")
			return

		case <-readErr:
			_ = c.conn.Close(websocket.StatusNormalClosure, "closed")
			return

		case frame := <-frames:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(c.handler.idleTimeout)

			if done := c.handleFrame(ctx, frame); done {
				return
			}
		}
	}
}

func (c *clientConn) handleFrame(ctx context.Context, frame ClientFrame) (done bool) {
	switch frame.Type {
	case FrameAttach:
		c.handleAttach(ctx, frame)
	case FrameSend:
		if c.handleSend(ctx, frame) {
			_ = c.write(ctx, ServerFrame{Type: FrameBye, Message: "rate_limited"})
			_ = c.conn.Close(CloseRateLimited, "rate_limited")
			return true
		}
	case FrameAck:
		c.handleAck(ctx, frame)
	case FramePing:
		c.handlePing(ctx)
	default:
		_ = c.write(ctx, errorFrame("bad_request", "unknown frame type"))
	}
	return false
}

func (c *clientConn) handleAttach(ctx context.Context, frame ClientFrame) {
	threadID, err := id.ParseThreadID(frame.ThreadID)
	if err != nil {
		_ = c.write(ctx, errorFrame("invalid_input", "invalid thread id"))
		return
	}
	if !c.sess.AuthorizedForThread(threadID) {
		_ = c.write(ctx, errorFrame("forbidden", "session not authorized for thread"))
		return
	}

	c.subsMu.Lock()
	_, attached := c.subs[threadID]
	c.subsMu.Unlock()
	if attached {
		_ = c.write(ctx, errorFrame("conflict", "already attached to thread"))
		return
	}

	if result := c.handler.limiter.AllowAttach(ctx, c.sess.ID, c.sess.UserID); !result.Allowed {
		_ = c.write(ctx, rateLimitedFrame("attach rate limit exceeded", result))
		return
	}

	// Resume from the stored cursor or the client's own position,
	// whichever is further along.
	resumeFrom := frame.AfterSeq
	if cursor, err := c.handler.cursors.Get(ctx, c.sess.ID, threadID); err == nil && cursor > resumeFrom {
		resumeFrom = cursor
	}

	sub, err := c.handler.hub.Subscribe(ctx, c.connID, c.sess.ID, threadID, resumeFrom)
	if err != nil {
		_ = c.write(ctx, errorFrame("unavailable", "cannot subscribe"))
		return
	}

	c.subsMu.Lock()
	c.subs[threadID] = sub
	c.subsMu.Unlock()

	go c.pump(ctx, sub)

	_ = c.write(ctx, attachedFrame(threadID, resumeFrom))
}

// pump forwards one subscription's events onto the socket.
func (c *clientConn) pump(ctx context.Context, sub *delivery.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			switch {
			case errors.Is(sub.Err(), delivery.ErrSlowConsumer):
				c.raise(CloseSlowConsumer, "slow_consumer")
			case errors.Is(sub.Err(), delivery.ErrSessionDetached):
				c.raise(CloseUnauthorized, "session_revoked")
			case errors.Is(sub.Err(), delivery.ErrHubClosed):
				c.raise(websocket.StatusGoingAway, "server_shutdown")
			case errors.Is(sub.Err(), delivery.ErrSequenceGap):
				c.raise(websocket.StatusTryAgainLater, "resync_required")
			case sub.Err() != nil:
				c.raise(websocket.StatusInternalError, "stream_failed")
			}
			return
		case ev := <-sub.C():
			if err := c.write(ctx, messageFrame(ev)); err != nil {
				c.handler.hub.Detach(sub)
				return
			}
		}
	}
}

// raise asks the run loop to close the connection with a status.
func (c *clientConn) raise(status websocket.StatusCode, reason string) {
	c.shutdown(status, reason)
	select {
	case c.closeCh <- struct{}{}:
	default:
	}
}

// handleSend returns true when the connection accrued enough rate-limit
// strikes to be closed.
func (c *clientConn) handleSend(ctx context.Context, frame ClientFrame) (closeConn bool) {
	threadID, err := id.ParseThreadID(frame.ThreadID)
	if err != nil {
		_ = c.write(ctx, errorFrame("invalid_input", "invalid thread id"))
		return false
	}
	if !c.sess.AuthorizedForThread(threadID) {
		_ = c.write(ctx, errorFrame("forbidden", "session not authorized for thread"))
		return false
	}

	result := c.handler.limiter.AllowSend(ctx, c.sess.ID, c.sess.UserID)
	if !result.Allowed {
		c.strikes++
		if c.strikes >= rateLimitStrikes {
			return true
		}
		_ = c.write(ctx, rateLimitedFrame("send rate limit exceeded", result))
		return false
	}
	c.strikes = 0

	body, err := frame.DecodeBody()
	if err != nil {
		_ = c.write(ctx, errorFrame("invalid_input", "body is not valid base64"))
		return false
	}

	msg, err := c.handler.messages.Append(ctx, threadID, c.sess.UserID, message.Kind(frame.Kind), body)
	if err != nil {
		_ = c.write(ctx, errorFrame(string(dErrors.CodeOf(err)), "append failed"))
		return false
	}

	_ = c.write(ctx, ServerFrame{
		Type:      FrameSent,
		ThreadID:  threadID.String(),
		Seq:       msg.Seq,
		MessageID: msg.ID.String(),
		Ref:       frame.Ref,
	})
	return false
}

func (c *clientConn) handleAck(ctx context.Context, frame ClientFrame) {
	threadID, err := id.ParseThreadID(frame.ThreadID)
	if err != nil {
		_ = c.write(ctx, errorFrame("invalid_input", "invalid thread id"))
		return
	}

	c.subsMu.Lock()
	_, attached := c.subs[threadID]
	c.subsMu.Unlock()
	if !attached {
		_ = c.write(ctx, errorFrame("invalid_input", "not attached to thread"))
		return
	}

	if err := c.handler.cursors.Ack(ctx, c.sess.ID, threadID, frame.Seq); err != nil {
		c.handler.logger.WarnContext(ctx, "cursor ack failed",
			"session_id", c.sess.ID.String(),
			"thread_id", threadID.String(),
			"error", err)
	}
}

func (c *clientConn) handlePing(ctx context.Context) {
	_ = c.write(ctx, ServerFrame{Type: FramePong})

	if time.Since(c.lastTouch) < c.handler.pingInterval {
		return
	}
	c.lastTouch = time.Now()

	if err := c.handler.sessions.Touch(ctx, c.sess.ID); err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			c.raise(CloseUnauthorized, "session_revoked")
		}
		return
	}
	c.handler.signals.Emit(audit.Event{
		Action:    audit.ActionSessionHeartbeat,
		SessionID: c.sess.ID,
		UserID:    c.sess.UserID,
	})
}

func (c *clientConn) detachAll() {
	c.subsMu.Lock()
	subs := make([]*delivery.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[id.ThreadID]*delivery.Subscription)
	c.subsMu.Unlock()

	for _, sub := range subs {
		c.handler.hub.Detach(sub)
	}
}
