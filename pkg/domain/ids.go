// Package domain defines typed identifiers shared across the service.
//
// Each ID is a distinct named type over uuid.UUID so the compiler rejects
// cross-type assignment (passing a SessionID where a ThreadID is expected).
// Parse functions enforce the trust-boundary invariant that IDs are valid,
// non-empty, non-nil UUIDs.
package domain

import (
	"github.com/google/uuid"

	dErrors "msgvault/pkg/domain-errors"
)

type (
	// UserID identifies an end user of the platform.
	UserID uuid.UUID
	// TenantID identifies the owning tenant of a thread.
	TenantID uuid.UUID
	// ThreadID identifies a message thread.
	ThreadID uuid.UUID
	// MessageID identifies a single message within a thread.
	MessageID uuid.UUID
	// SessionID identifies a realtime session.
	SessionID uuid.UUID
	// ConnectionID identifies one live WebSocket connection of a session.
	ConnectionID uuid.UUID
)

func parseUUID(raw, kind string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be empty", kind)
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s is not a valid UUID", kind)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be the nil UUID", kind)
	}
	return parsed, nil
}

// ParseUserID parses and validates a user ID string.
func ParseUserID(raw string) (UserID, error) {
	parsed, err := parseUUID(raw, "user ID")
	return UserID(parsed), err
}

// ParseTenantID parses and validates a tenant ID string.
func ParseTenantID(raw string) (TenantID, error) {
	parsed, err := parseUUID(raw, "tenant ID")
	return TenantID(parsed), err
}

// ParseThreadID parses and validates a thread ID string.
func ParseThreadID(raw string) (ThreadID, error) {
	parsed, err := parseUUID(raw, "thread ID")
	return ThreadID(parsed), err
}

// ParseMessageID parses and validates a message ID string.
func ParseMessageID(raw string) (MessageID, error) {
	parsed, err := parseUUID(raw, "message ID")
	return MessageID(parsed), err
}

// ParseSessionID parses and validates a session ID string.
func ParseSessionID(raw string) (SessionID, error) {
	parsed, err := parseUUID(raw, "session ID")
	return SessionID(parsed), err
}

// ParseConnectionID parses and validates a connection ID string.
func ParseConnectionID(raw string) (ConnectionID, error) {
	parsed, err := parseUUID(raw, "connection ID")
	return ConnectionID(parsed), err
}

// NewUserID generates a fresh random user ID.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewTenantID generates a fresh random tenant ID.
func NewTenantID() TenantID { return TenantID(uuid.New()) }

// NewThreadID generates a fresh random thread ID.
func NewThreadID() ThreadID { return ThreadID(uuid.New()) }

// NewMessageID generates a fresh random message ID.
func NewMessageID() MessageID { return MessageID(uuid.New()) }

// NewSessionID generates a fresh random session ID.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

// NewConnectionID generates a fresh random connection ID.
func NewConnectionID() ConnectionID { return ConnectionID(uuid.New()) }

func (id UserID) String() string       { return uuid.UUID(id).String() }
func (id TenantID) String() string     { return uuid.UUID(id).String() }
func (id ThreadID) String() string     { return uuid.UUID(id).String() }
func (id MessageID) String() string    { return uuid.UUID(id).String() }
func (id SessionID) String() string    { return uuid.UUID(id).String() }
func (id ConnectionID) String() string { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id TenantID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ThreadID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id MessageID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ConnectionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// JSON and text encoding uses the canonical UUID string form. The wrapper
// types do not inherit uuid.UUID's methods, so each carries its own pair.

func (id UserID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id TenantID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id ThreadID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id MessageID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id SessionID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id ConnectionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *UserID) UnmarshalText(b []byte) error {
	parsed, err := ParseUserID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *TenantID) UnmarshalText(b []byte) error {
	parsed, err := ParseTenantID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *ThreadID) UnmarshalText(b []byte) error {
	parsed, err := ParseThreadID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *MessageID) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *SessionID) UnmarshalText(b []byte) error {
	parsed, err := ParseSessionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *ConnectionID) UnmarshalText(b []byte) error {
	parsed, err := ParseConnectionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Bytes returns the raw UUID bytes of a thread ID, used as key-derivation
// salt and envelope associated data.
func (id ThreadID) Bytes() []byte {
	raw := uuid.UUID(id)
	return raw[:]
}
