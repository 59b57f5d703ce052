// Package events provides ordered per-session progress event delivery:
// events are persisted to the events table with a per-session contiguous
// sequence number, broadcast via PostgreSQL NOTIFY for cross-pod fan-out,
// and delivered to WebSocket subscribers with catchup on reconnect.
//
// Ordering contract: within one session, event_id is strictly monotonic and
// contiguous starting from 1, assigned at publish time under the session
// row lock. Across sessions there is no ordering. Live delivery is
// best-effort; durability comes from catchup replay within the TTL window.
package events

// Persistent event types (stored in DB + NOTIFY).
const (
	EventTypeSessionStarted   = "session_started"
	EventTypeItemCreated      = "item_created"
	EventTypeStageProcessing  = "stage_processing"
	EventTypeStageCompleted   = "stage_completed"
	EventTypeStageFailed      = "stage_failed"
	EventTypeSessionCompleted = "session_completed"
)

// Connection-local event types (never persisted, never NOTIFYed).
const (
	EventTypeSnapshot  = "snapshot"
	EventTypeHeartbeat = "heartbeat"
)

// GlobalSessionsChannel carries transient copies of session lifecycle
// events for list views; no catchup is offered on it.
const GlobalSessionsChannel = "sessions"

// SessionChannel returns the channel name for one session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // e.g. "session:abc-123"
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup
}
