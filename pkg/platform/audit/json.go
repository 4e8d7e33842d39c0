package audit

import (
	"encoding/json"
	"time"
)

// wirePayload is the JSON structure published to the broker.
type wirePayload struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Category  string            `json:"category"`
	Timestamp string            `json:"timestamp"`
	ThreadID  string            `json:"thread_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Marshal builds the broker payload for an event. The outbox worker and the
// signal flusher both use it so consumers see one wire format.
func Marshal(event Event) ([]byte, error) {
	p := wirePayload{
		ID:        event.ID.String(),
		Action:    string(event.Action),
		Category:  string(event.Category),
		Timestamp: event.Timestamp.Format(time.RFC3339Nano),
		RequestID: event.RequestID,
		Fields:    event.Fields,
	}
	if !event.ThreadID.IsNil() {
		p.ThreadID = event.ThreadID.String()
	}
	if !event.SessionID.IsNil() {
		p.SessionID = event.SessionID.String()
	}
	if !event.UserID.IsNil() {
		p.UserID = event.UserID.String()
	}
	return json.Marshal(p)
}
