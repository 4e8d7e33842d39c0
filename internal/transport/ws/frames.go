// Package ws serves the realtime stream: one WebSocket connection per
// session token, JSON frames, ordered per-thread delivery with resume.
package ws

import (
	"encoding/base64"
	"time"

	"msgvault/internal/delivery"
	"msgvault/internal/ratelimit"
	id "msgvault/pkg/domain"
)

// Client frame types.
const (
	FrameAttach = "attach"
	FrameSend   = "send"
	FrameAck    = "ack"
	FramePing   = "ping"
)

// Server frame types.
const (
	FrameReady    = "ready"
	FrameAttached = "attached"
	FrameMessage  = "message"
	FrameSent     = "sent"
	FrameError    = "error"
	FramePong     = "pong"
	FrameBye      = "bye"
)

// ClientFrame is any frame a client may send. Bodies travel base64-encoded
// so binary payloads survive JSON.
type ClientFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	AfterSeq uint64 `json:"after_seq,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Body     string `json:"body,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
	// Ref is an opaque client token echoed on the matching sent frame.
	Ref string `json:"ref,omitempty"`
}

// ServerFrame is any frame the server sends.
type ServerFrame struct {
	Type      string    `json:"type"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	SenderID  string    `json:"sender_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"ts,omitzero"`
	Ref       string    `json:"ref,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	// RetryAfterMS tells a rate-limited client how long to back off.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

// DecodeBody decodes the frame's base64 payload.
func (f ClientFrame) DecodeBody() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Body)
}

func messageFrame(ev delivery.Event) ServerFrame {
	return ServerFrame{
		Type:      FrameMessage,
		ThreadID:  ev.ThreadID.String(),
		Seq:       ev.Seq,
		MessageID: ev.MessageID.String(),
		SenderID:  ev.SenderID.String(),
		Kind:      ev.Kind,
		Body:      base64.StdEncoding.EncodeToString(ev.Body),
		Timestamp: ev.AppendedAt,
	}
}

func errorFrame(code, message string) ServerFrame {
	return ServerFrame{Type: FrameError, Code: code, Message: message}
}

// rateLimitedFrame carries how long the client should back off, derived
// from the limiter's window reset.
func rateLimitedFrame(message string, result ratelimit.Result) ServerFrame {
	frame := errorFrame("too_many_requests", message)
	if ms := time.Until(result.ResetAt).Milliseconds(); ms > 0 {
		frame.RetryAfterMS = ms
	}
	return frame
}

func attachedFrame(threadID id.ThreadID, resumeFrom uint64) ServerFrame {
	return ServerFrame{Type: FrameAttached, ThreadID: threadID.String(), Seq: resumeFrom}
}
