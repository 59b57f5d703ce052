package events

import (
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

// Envelope is the wire form of every progress event. EventID is assigned by
// the publisher at publish time; callers leave it zero.
type Envelope struct {
	EventID      int64        `json:"event_id"`
	SessionID    string       `json:"session_id"`
	ItemID       *int         `json:"item_id,omitempty"`
	Stage        models.Stage `json:"stage,omitempty"`
	Type         string       `json:"type"`
	Payload      any          `json:"payload,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	ElapsedMS    int64        `json:"elapsed_ms,omitempty"`
	FallbackUsed bool         `json:"fallback_used,omitempty"`
	Timestamp    string       `json:"timestamp"`
}

// NewEnvelope builds an envelope with the current timestamp.
func NewEnvelope(sessionID, eventType string) Envelope {
	return Envelope{
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ItemCreatedPayload is the payload for item_created events.
type ItemCreatedPayload struct {
	JapaneseText string `json:"japanese_text"`
}

// StageCompletedPayload is the payload for stage_completed events. Only the
// fields produced by the completed stage are populated.
type StageCompletedPayload struct {
	EnglishText string             `json:"english_text,omitempty"`
	Category    string             `json:"category,omitempty"`
	Description string             `json:"description,omitempty"`
	Allergens   []string           `json:"allergens,omitempty"`
	Ingredients []string           `json:"ingredients,omitempty"`
	Images      []models.ItemImage `json:"images,omitempty"`
}

// StageFailedPayload is the payload for stage_failed events.
type StageFailedPayload struct {
	ErrorClass   string `json:"error_class"`
	ErrorMessage string `json:"error_message"`
}

// SessionStartedPayload is the payload for session_started events.
type SessionStartedPayload struct {
	TotalItems int `json:"total_items"`
}

// SessionCompletedPayload is the payload for the terminal session_completed
// event. Status is "completed" or "failed" (cancelled sessions report failed).
type SessionCompletedPayload struct {
	Status  models.SessionStatus  `json:"status"`
	Summary models.SessionSummary `json:"summary"`
}

// SnapshotPayload is the payload for the connection-local snapshot event
// sent to a subscriber before catchup and live events. EventID on the
// enclosing envelope carries the session's event sequence watermark at
// snapshot time.
type SnapshotPayload struct {
	Session models.Session    `json:"session"`
	Items   []models.MenuItem `json:"items"`
}
