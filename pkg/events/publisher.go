package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Publisher persists progress events and broadcasts them via NOTIFY.
//
// Publish assigns the per-session event_id inside the same transaction that
// inserts the event row: the UPDATE of sessions.event_seq takes the session
// row lock, so concurrent publishers for one session are serialized and the
// sequence is contiguous. pg_notify is transactional: the notification
// fires only on COMMIT, atomically with the insert.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher on the shared connection pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish persists the envelope with the next per-session sequence number
// and broadcasts it on the session channel. Returns the assigned event_id.
func (p *Publisher) Publish(ctx context.Context, env Envelope) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE sessions SET event_seq = event_seq + 1, updated_at = $2
		 WHERE session_id = $1 RETURNING event_seq`,
		env.SessionID, time.Now(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to assign event sequence: %w", err)
	}
	env.EventID = seq

	payloadJSON, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	channel := SessionChannel(env.SessionID)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, channel, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		env.SessionID, seq, channel, payloadJSON, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := truncateIfNeeded(payloadJSON)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return 0, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event transaction: %w", err)
	}

	// Session lifecycle events also get a transient copy on the global
	// channel for list views. Best-effort.
	if env.Type == EventTypeSessionStarted || env.Type == EventTypeSessionCompleted {
		if err := p.notifyOnly(ctx, GlobalSessionsChannel, notifyPayload); err != nil {
			slog.Warn("Failed to publish to global sessions channel",
				"session_id", env.SessionID, "type", env.Type, "error", err)
		}
	}

	return seq, nil
}

// notifyOnly broadcasts a pre-marshaled payload without persisting it.
func (p *Publisher) notifyOnly(ctx context.Context, channel, payload string) error {
	_, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// truncateIfNeeded returns the payload as-is if it fits within PostgreSQL's
// 8000-byte NOTIFY limit, otherwise a minimal envelope with only routing
// fields. Clients fetch the full event through catchup.
func truncateIfNeeded(payloadJSON []byte) (string, error) {
	if len(payloadJSON) <= 7900 {
		return string(payloadJSON), nil
	}

	var routing struct {
		EventID   int64  `json:"event_id"`
		SessionID string `json:"session_id"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(payloadJSON, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncBytes, err := json.Marshal(map[string]any{
		"event_id":   routing.EventID,
		"session_id": routing.SessionID,
		"type":       routing.Type,
		"truncated":  true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
