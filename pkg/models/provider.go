package models

import "time"

// ProviderRecord is one append-only audit row per stage attempt, successful
// or failed. Rows are only inserted by the result sink, never updated.
type ProviderRecord struct {
	ID               int64          `json:"id"`
	SessionID        string         `json:"session_id"`
	ItemID           int            `json:"item_id"`
	Stage            Stage          `json:"stage"`
	Provider         string         `json:"provider"`
	Success          bool           `json:"success"`
	ErrorClass       string         `json:"error_class,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ProcessedAt      time.Time      `json:"processed_at"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	FallbackUsed     bool           `json:"fallback_used"`
	Metadata         map[string]any `json:"provider_metadata,omitempty"`
}

// ProviderInfo describes which provider produced a stage result and how long
// the attempt took. Reported by the provider adapter on every outcome.
type ProviderInfo struct {
	Provider     string         `json:"provider"`
	ElapsedMS    int64          `json:"elapsed_ms"`
	FallbackUsed bool           `json:"fallback_used"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Attempts lists the providers the adapter exhausted before the
	// terminal outcome, so each gets its own audit row. Internal to the
	// write path, never serialized.
	Attempts []ProviderAttempt `json:"-"`
}

// ProviderAttempt is one provider the adapter chain gave up on before
// advancing to a fallback. Retries against the same provider collapse into
// its single attempt entry.
type ProviderAttempt struct {
	Provider     string
	ErrorClass   string
	ErrorMessage string
	ElapsedMS    int64
	FallbackUsed bool
}
