package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/sink"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
)

// Reconciler closes the crash window: stages stuck in processing past their
// deadline are failed with a Timeout, and the session completion check is
// re-run so no session hangs short of its terminal event.
type Reconciler struct {
	store    *store.SessionStore
	sink     *sink.Sink
	interval time.Duration
	timeouts map[models.Stage]time.Duration
}

// NewReconciler creates a reconciler sweeping at the given interval.
func NewReconciler(st *store.SessionStore, snk *sink.Sink, interval time.Duration, timeouts map[models.Stage]time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{store: st, sink: snk, interval: interval, timeouts: timeouts}
}

// Run sweeps until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	slog.Info("Reconciliation sweep started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Reconciliation sweep stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	stuck, err := r.store.ListStuckStages(ctx, r.timeouts)
	if err != nil {
		slog.Error("Reconciliation scan failed", "error", err)
		return
	}
	for _, entry := range stuck {
		slog.Warn("Reconciling stuck stage",
			"session_id", entry.SessionID, "item_id", entry.ItemID,
			"stage", entry.Stage, "stuck_since", entry.UpdatedAt)
		if err := r.sink.SubmitFailure(ctx, entry.SessionID, entry.ItemID, entry.Stage,
			string(providers.ClassTimeout), "stage exceeded its deadline",
			models.ProviderInfo{Provider: "reconciler"}); err != nil {
			slog.Error("Failed to reconcile stuck stage",
				"session_id", entry.SessionID, "item_id", entry.ItemID,
				"stage", entry.Stage, "error", err)
		}
	}
}

// RunStartupRecovery resolves work orphaned by a restart: stages left in
// processing are failed (their workers are gone), pending stages of
// incomplete sessions are re-enqueued, and the completion check is re-run
// per session.
func (r *Reconciler) RunStartupRecovery(ctx context.Context, orch *Orchestrator) error {
	orphaned, err := r.store.ListStuckStages(ctx, nil)
	if err != nil {
		return err
	}
	for _, entry := range orphaned {
		slog.Warn("Recovering orphaned stage",
			"session_id", entry.SessionID, "item_id", entry.ItemID, "stage", entry.Stage)
		if err := r.sink.SubmitFailure(ctx, entry.SessionID, entry.ItemID, entry.Stage,
			string(providers.ClassTimeout), "orphaned by restart",
			models.ProviderInfo{Provider: "recovery"}); err != nil {
			slog.Error("Failed to recover orphaned stage",
				"session_id", entry.SessionID, "item_id", entry.ItemID,
				"stage", entry.Stage, "error", err)
		}
	}

	sessions, err := r.store.ListIncompleteSessions(ctx)
	if err != nil {
		return err
	}
	for _, sessionID := range sessions {
		detail, err := r.store.GetSession(ctx, sessionID)
		if err != nil {
			slog.Error("Failed to load session for recovery",
				"session_id", sessionID, "error", err)
			continue
		}
		orch.ResumeSession(ctx, detail)
		r.sink.CheckCompletion(ctx, sessionID)
	}
	if len(orphaned) > 0 || len(sessions) > 0 {
		slog.Info("Startup recovery finished",
			"orphaned_stages", len(orphaned), "resumed_sessions", len(sessions))
	}
	return nil
}

// RunEventCleanup periodically deletes persisted events older than ttl,
// bounding the catchup replay window.
func (r *Reconciler) RunEventCleanup(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	ticker := time.NewTicker(ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := r.store.DeleteEventsBefore(ctx, time.Now().Add(-ttl))
			if err != nil {
				slog.Error("Event cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Debug("Expired events deleted", "count", deleted)
			}
		}
	}
}
