// Package sink implements the result sink: the single component that writes
// stage outcomes to the store and publishes the corresponding progress
// events. Persist first, publish second; an event exists only for state that
// is already durable, and exactly one event is published per applied state
// change.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/metrics"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
)

// GateNotifier is told when an item's translation reaches a terminal state,
// so stages gated on the translation result can be enqueued: with the
// English text after success, with the Japanese text only after failure.
type GateNotifier interface {
	TranslationCompleted(sessionID string, itemID int, englishText, category string)
	TranslationFailed(sessionID string, itemID int)
}

// Sink wires the store and the event publisher together.
type Sink struct {
	store     *store.SessionStore
	publisher *events.Publisher
	metrics   *metrics.PipelineMetrics
	gate      GateNotifier

	// persistRetries bounds retries of a failed persist before the result
	// is dropped and left to the reconciliation sweep.
	persistRetries uint64
}

// New creates a sink. gate may be nil when no stage is gated.
func New(st *store.SessionStore, pub *events.Publisher, m *metrics.PipelineMetrics) *Sink {
	return &Sink{store: st, publisher: pub, metrics: m, persistRetries: 3}
}

// WithGate attaches the gate notifier and returns the sink.
func (s *Sink) WithGate(gate GateNotifier) *Sink {
	s.gate = gate
	return s
}

// SessionStarted publishes the session_started event followed by one
// item_created event per item.
func (s *Sink) SessionStarted(ctx context.Context, detail *models.SessionDetail) error {
	env := events.NewEnvelope(detail.Session.ID, events.EventTypeSessionStarted)
	env.Payload = events.SessionStartedPayload{TotalItems: detail.Session.TotalItems}
	if _, err := s.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish session_started: %w", err)
	}
	s.metrics.EventsPublished.WithLabelValues(events.EventTypeSessionStarted).Inc()
	s.metrics.SessionsStarted.Inc()

	for i := range detail.Items {
		item := &detail.Items[i]
		env := events.NewEnvelope(detail.Session.ID, events.EventTypeItemCreated)
		env.ItemID = &item.ItemID
		env.Payload = events.ItemCreatedPayload{JapaneseText: item.JapaneseText}
		if _, err := s.publisher.Publish(ctx, env); err != nil {
			return fmt.Errorf("failed to publish item_created for item %d: %w", item.ItemID, err)
		}
		s.metrics.EventsPublished.WithLabelValues(events.EventTypeItemCreated).Inc()
	}
	return nil
}

// StageProcessing marks the stage processing and publishes stage_processing
// when the transition applied. A stage that already left pending publishes
// nothing, keeping replays silent.
func (s *Sink) StageProcessing(ctx context.Context, sessionID string, itemID int, stage models.Stage) error {
	changed, err := s.store.MarkStageProcessing(ctx, sessionID, itemID, stage)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	env := events.NewEnvelope(sessionID, events.EventTypeStageProcessing)
	env.ItemID = &itemID
	env.Stage = stage
	if _, err := s.publisher.Publish(ctx, env); err != nil {
		// State is durable; subscribers recover the transition from the
		// snapshot or the terminal stage event.
		slog.Warn("Failed to publish stage_processing",
			"session_id", sessionID, "item_id", itemID, "stage", stage, "error", err)
		return nil
	}
	s.metrics.EventsPublished.WithLabelValues(events.EventTypeStageProcessing).Inc()
	return nil
}

// SubmitSuccess persists a successful stage result and publishes
// stage_completed if the result applied. Afterwards it notifies the gate
// (for translation) and runs the completion check.
func (s *Sink) SubmitSuccess(ctx context.Context, sessionID string, itemID int, stage models.Stage, payload store.StagePayload, info models.ProviderInfo) error {
	var applied bool
	err := s.persistWithRetry(ctx, func() error {
		var perr error
		applied, perr = s.store.RecordStageSuccess(ctx, sessionID, itemID, stage, payload, info)
		return perr
	})
	if err != nil {
		slog.Error("Dropping stage result after persist retries; reconciliation will retry the stage",
			"session_id", sessionID, "item_id", itemID, "stage", stage, "error", err)
		return err
	}
	s.observeOutcome(stage, "completed", info)

	if applied {
		env := events.NewEnvelope(sessionID, events.EventTypeStageCompleted)
		env.ItemID = &itemID
		env.Stage = stage
		env.Provider = info.Provider
		env.ElapsedMS = info.ElapsedMS
		env.FallbackUsed = info.FallbackUsed
		env.Payload = events.StageCompletedPayload{
			EnglishText: payload.EnglishText,
			Category:    payload.Category,
			Description: payload.Description,
			Allergens:   payload.Allergens,
			Ingredients: payload.Ingredients,
			Images:      payload.Images,
		}
		if _, err := s.publisher.Publish(ctx, env); err != nil {
			slog.Warn("Failed to publish stage_completed",
				"session_id", sessionID, "item_id", itemID, "stage", stage, "error", err)
		} else {
			s.metrics.EventsPublished.WithLabelValues(events.EventTypeStageCompleted).Inc()
		}

		if stage == models.StageTranslation && s.gate != nil {
			s.gate.TranslationCompleted(sessionID, itemID, payload.EnglishText, payload.Category)
		}
	}

	s.checkCompletion(ctx, sessionID)
	return nil
}

// SubmitFailure persists a failed stage result and publishes stage_failed if
// the failure applied, then runs the completion check.
func (s *Sink) SubmitFailure(ctx context.Context, sessionID string, itemID int, stage models.Stage, errorClass, errorMessage string, info models.ProviderInfo) error {
	var applied bool
	err := s.persistWithRetry(ctx, func() error {
		var perr error
		applied, perr = s.store.RecordStageFailure(ctx, sessionID, itemID, stage, errorClass, errorMessage, info)
		return perr
	})
	if err != nil {
		slog.Error("Dropping stage failure after persist retries; reconciliation will retry the stage",
			"session_id", sessionID, "item_id", itemID, "stage", stage, "error", err)
		return err
	}
	s.observeOutcome(stage, "failed", info)

	if applied {
		env := events.NewEnvelope(sessionID, events.EventTypeStageFailed)
		env.ItemID = &itemID
		env.Stage = stage
		env.Provider = info.Provider
		env.ElapsedMS = info.ElapsedMS
		env.FallbackUsed = info.FallbackUsed
		env.Payload = events.StageFailedPayload{
			ErrorClass:   errorClass,
			ErrorMessage: errorMessage,
		}
		if _, err := s.publisher.Publish(ctx, env); err != nil {
			slog.Warn("Failed to publish stage_failed",
				"session_id", sessionID, "item_id", itemID, "stage", stage, "error", err)
		} else {
			s.metrics.EventsPublished.WithLabelValues(events.EventTypeStageFailed).Inc()
		}

		if stage == models.StageTranslation && s.gate != nil {
			s.gate.TranslationFailed(sessionID, itemID)
		}
	}

	s.checkCompletion(ctx, sessionID)
	return nil
}

// SessionCancelled publishes the terminal event for a cancelled session.
func (s *Sink) SessionCancelled(ctx context.Context, sessionID string, summary *models.SessionSummary) error {
	env := events.NewEnvelope(sessionID, events.EventTypeSessionCompleted)
	env.Payload = events.SessionCompletedPayload{
		Status:  models.SessionFailed,
		Summary: *summary,
	}
	if _, err := s.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish session_completed: %w", err)
	}
	s.metrics.EventsPublished.WithLabelValues(events.EventTypeSessionCompleted).Inc()
	s.metrics.SessionsCompleted.WithLabelValues(string(models.SessionFailed)).Inc()
	return nil
}

// CheckCompletion runs the completion check explicitly. Used by startup
// recovery after orphaned stages are resolved.
func (s *Sink) CheckCompletion(ctx context.Context, sessionID string) {
	s.checkCompletion(ctx, sessionID)
}

// checkCompletion transitions the session to completed when every stage of
// every item is terminal. The store guarantees exactly one caller observes
// the transition, so session_completed is published exactly once.
func (s *Sink) checkCompletion(ctx context.Context, sessionID string) {
	done, summary, err := s.store.CompleteSessionIfDone(ctx, sessionID)
	if err != nil {
		slog.Error("Completion check failed", "session_id", sessionID, "error", err)
		return
	}
	if !done {
		return
	}

	env := events.NewEnvelope(sessionID, events.EventTypeSessionCompleted)
	env.Payload = events.SessionCompletedPayload{
		Status:  models.SessionCompleted,
		Summary: *summary,
	}
	if _, err := s.publisher.Publish(ctx, env); err != nil {
		slog.Error("Failed to publish session_completed",
			"session_id", sessionID, "error", err)
		return
	}
	s.metrics.EventsPublished.WithLabelValues(events.EventTypeSessionCompleted).Inc()
	s.metrics.SessionsCompleted.WithLabelValues(string(models.SessionCompleted)).Inc()
	slog.Info("Session completed", "session_id", sessionID,
		"completed_items", summary.CompletedCount, "failed_items", summary.FailedCount)
}

// persistWithRetry retries a transiently failing persist a bounded number of
// times with a short fixed delay. A missing row is not retried.
func (s *Sink) persistWithRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), s.persistRetries), ctx)
	return backoff.Retry(wrapped, policy)
}

func (s *Sink) observeOutcome(stage models.Stage, outcome string, info models.ProviderInfo) {
	s.metrics.StageOutcomes.WithLabelValues(string(stage), outcome).Inc()
	s.metrics.StageDuration.WithLabelValues(string(stage), outcome).
		Observe(float64(info.ElapsedMS) / 1000)
	if info.FallbackUsed {
		s.metrics.FallbacksUsed.WithLabelValues(string(stage), info.Provider).Inc()
	}
}
