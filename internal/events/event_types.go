package events

import (
	"time"

	"github.com/spec-kit/portal-client/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventSessionExpired EventType = "session_expired"
	EventCartUpdated    EventType = "cart_updated"
)

// Event represents a lifecycle event emitted by the session manager or cart.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SessionStartedPayload payload.
type SessionStartedPayload struct {
	UserID string      `json:"user_id"`
	Email  string      `json:"email"`
	Role   domain.Role `json:"role"`
}

// SessionExpiredPayload payload.
type SessionExpiredPayload struct {
	Reason string `json:"reason"`
}

// CartUpdatedPayload payload.
type CartUpdatedPayload struct {
	ItemCount int     `json:"item_count"`
	Total     float64 `json:"total"`
}
