// Package models defines the persisted records and API shapes of the menu
// enrichment pipeline. Records reference each other by id, never by pointer;
// the database is the owning arena.
package models

import "time"

// SessionStatus is the lifecycle state of a processing session.
type SessionStatus string

// Session lifecycle states. A session never leaves a terminal state.
const (
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether the session status is terminal.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is one end-to-end processing run for one OCR'd menu.
type Session struct {
	ID          string         `json:"session_id"`
	TotalItems  int            `json:"total_items"`
	Status      SessionStatus  `json:"status"`
	EventSeq    int64          `json:"event_seq"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SessionDetail is a consistent snapshot of a session and all its items.
type SessionDetail struct {
	Session Session    `json:"session"`
	Items   []MenuItem `json:"items"`
}

// Progress aggregates per-stage completion counts for a session.
type Progress struct {
	Total          int                   `json:"total"`
	PerStage       map[Stage]StageCounts `json:"per_stage_counts"`
	FullyCompleted int                   `json:"fully_completed"`
	Percentage     float64               `json:"percentage"`
}

// StageCounts breaks one stage's items down by lifecycle state.
type StageCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// SessionSummary is attached to the terminal session_completed event.
// An item counts as completed once every stage is terminal, regardless of
// per-stage success; failures surface in per_stage_counts. FailedCount is
// non-zero only for cancelled sessions, whose items never went terminal.
type SessionSummary struct {
	CompletedCount int                   `json:"completed_count"`
	FailedCount    int                   `json:"failed_count"`
	PerStage       map[Stage]StageCounts `json:"per_stage_counts"`
}
