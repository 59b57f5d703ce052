package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/metrics"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/sink"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
)

// Validation errors surfaced as 400 at the HTTP boundary.
var (
	ErrEmptyItems   = errors.New("session requires at least one item")
	ErrTooManyItems = errors.New("session exceeds the item limit")
	ErrItemTooLong  = errors.New("item text exceeds the length limit")
	ErrBlankItem    = errors.New("item text is blank")
)

// Config tunes admission and dispatch.
type Config struct {
	MaxItemsPerSession int
	MaxItemTextLength  int

	// SessionBudget bounds the whole session; every task's deadline is
	// admission time plus this budget.
	SessionBudget time.Duration

	// GateOnTranslation defers the non-translation stages of an item until
	// its translation is terminal, so their providers see the English text.
	GateOnTranslation bool

	// Workers and QueueSize configure each stage pool.
	Workers   map[models.Stage]int
	QueueSize map[models.Stage]int

	// StageTimeouts bounds individual provider calls; passed through to the
	// adapter and used by the reconciliation sweep.
	StageTimeouts map[models.Stage]time.Duration

	// WorkerRetryDelay precedes the single worker-level retry of a
	// Transient failure.
	WorkerRetryDelay time.Duration
}

// DefaultWorkers is the per-stage worker count used when unconfigured.
// Image generation is the scarcest resource.
var DefaultWorkers = map[models.Stage]int{
	models.StageTranslation: 8,
	models.StageDescription: 6,
	models.StageAllergen:    6,
	models.StageIngredient:  6,
	models.StageImageSearch: 4,
	models.StageImageGen:    3,
}

func (c *Config) applyDefaults() {
	if c.MaxItemsPerSession <= 0 {
		c.MaxItemsPerSession = 200
	}
	if c.MaxItemTextLength <= 0 {
		c.MaxItemTextLength = 500
	}
	if c.SessionBudget <= 0 {
		c.SessionBudget = 300 * time.Second
	}
	if c.WorkerRetryDelay <= 0 {
		c.WorkerRetryDelay = time.Second
	}
	if c.Workers == nil {
		c.Workers = DefaultWorkers
	}
}

// Orchestrator admits sessions, owns the six stage pools, and dispatches
// per-item tasks across them.
type Orchestrator struct {
	cfg     Config
	store   *store.SessionStore
	sink    *sink.Sink
	metrics *metrics.PipelineMetrics
	pools   map[models.Stage]*StagePool

	cancelledMu sync.RWMutex
	cancelled   map[string]time.Time
}

// New creates the orchestrator and its stage pools. Call Start before
// admitting sessions, and attach the orchestrator to the sink as its gate
// notifier.
func New(cfg Config, st *store.SessionStore, snk *sink.Sink, adapter *providers.Adapter, m *metrics.PipelineMetrics) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		sink:      snk,
		metrics:   m,
		pools:     make(map[models.Stage]*StagePool, len(models.AllStages)),
		cancelled: make(map[string]time.Time),
	}

	w := &worker{adapter: adapter, sink: snk, cancelled: o, retryDelay: cfg.WorkerRetryDelay}
	for _, stage := range models.AllStages {
		workers := cfg.Workers[stage]
		if workers <= 0 {
			workers = DefaultWorkers[stage]
		}
		o.pools[stage] = NewStagePool(stage, workers, cfg.QueueSize[stage], w.handle, m)
	}
	return o
}

// Start launches every stage pool.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, stage := range models.AllStages {
		o.pools[stage].Start(ctx)
	}
}

// Stop drains the pools: workers finish their in-flight task and exit.
func (o *Orchestrator) Stop() {
	for _, stage := range models.AllStages {
		o.pools[stage].Stop()
	}
}

// StartSession validates the input, creates the session, publishes its
// lifecycle events and enqueues the initial tasks. An empty sessionID gets
// a generated UUID. Returns ErrQueueSaturated when the pools cannot admit
// the session's task load.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID string, texts []string, metadata map[string]any) (*models.SessionDetail, error) {
	if err := o.validate(texts); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := o.admit(len(texts)); err != nil {
		o.metrics.AdmissionRejected.Inc()
		return nil, err
	}

	detail, err := o.store.CreateSession(ctx, sessionID, texts, metadata)
	if err != nil {
		return nil, err
	}
	if err := o.sink.SessionStarted(ctx, detail); err != nil {
		slog.Error("Failed to publish session start events",
			"session_id", sessionID, "error", err)
	}

	deadline := time.Now().Add(o.cfg.SessionBudget)
	for i := range detail.Items {
		item := &detail.Items[i]
		base := Task{
			SessionID:    sessionID,
			ItemID:       item.ItemID,
			JapaneseText: item.JapaneseText,
			Deadline:     deadline,
		}
		o.enqueueStage(ctx, base, models.StageTranslation)
		if !o.cfg.GateOnTranslation {
			for _, stage := range models.AllStages[1:] {
				o.enqueueStage(ctx, base, stage)
			}
		}
	}

	slog.Info("Session admitted", "session_id", sessionID,
		"total_items", detail.Session.TotalItems, "gated", o.cfg.GateOnTranslation)
	return detail, nil
}

// TranslationCompleted enqueues the gated stages of an item with the
// translation result. Implements sink.GateNotifier.
func (o *Orchestrator) TranslationCompleted(sessionID string, itemID int, englishText, category string) {
	if !o.cfg.GateOnTranslation {
		return
	}
	o.enqueueGated(sessionID, itemID, englishText, category)
}

// TranslationFailed enqueues the gated stages with the Japanese text only,
// so a failed translation never strands the rest of the item.
func (o *Orchestrator) TranslationFailed(sessionID string, itemID int) {
	if !o.cfg.GateOnTranslation {
		return
	}
	o.enqueueGated(sessionID, itemID, "", "")
}

func (o *Orchestrator) enqueueGated(sessionID string, itemID int, englishText, category string) {
	ctx := context.Background()
	detail, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("Failed to load session for gated dispatch",
			"session_id", sessionID, "error", err)
		return
	}
	var japanese string
	for i := range detail.Items {
		if detail.Items[i].ItemID == itemID {
			japanese = detail.Items[i].JapaneseText
			break
		}
	}

	base := Task{
		SessionID:    sessionID,
		ItemID:       itemID,
		JapaneseText: japanese,
		EnglishText:  englishText,
		Category:     category,
		Deadline:     detail.Session.CreatedAt.Add(o.cfg.SessionBudget),
	}
	for _, stage := range models.AllStages[1:] {
		o.enqueueStage(ctx, base, stage)
	}
}

// enqueueStage submits one task; a saturated queue after admission is
// recorded as a Transient stage failure rather than dropped.
func (o *Orchestrator) enqueueStage(ctx context.Context, base Task, stage models.Stage) {
	task := base
	task.Stage = stage
	if err := o.pools[stage].Enqueue(task); err != nil {
		slog.Error("Stage queue saturated after admission",
			"session_id", task.SessionID, "item_id", task.ItemID, "stage", stage)
		if serr := o.sink.SubmitFailure(ctx, task.SessionID, task.ItemID, stage,
			string(providers.ClassTransient), "stage queue saturated",
			models.ProviderInfo{Provider: "none"}); serr != nil {
			slog.Error("Failed to record saturation failure",
				"session_id", task.SessionID, "stage", stage, "error", serr)
		}
	}
}

// admit rejects a session whose task load does not fit the current free
// queue capacity of every pool it would touch.
func (o *Orchestrator) admit(items int) error {
	if o.pools[models.StageTranslation].Free() < items {
		return ErrQueueSaturated
	}
	if !o.cfg.GateOnTranslation {
		for _, stage := range models.AllStages[1:] {
			if o.pools[stage].Free() < items {
				return ErrQueueSaturated
			}
		}
	}
	return nil
}

func (o *Orchestrator) validate(texts []string) error {
	if len(texts) == 0 {
		return ErrEmptyItems
	}
	if len(texts) > o.cfg.MaxItemsPerSession {
		return fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(texts), o.cfg.MaxItemsPerSession)
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: item %d", ErrBlankItem, i)
		}
		if len([]rune(text)) > o.cfg.MaxItemTextLength {
			return fmt.Errorf("%w: item %d", ErrItemTooLong, i)
		}
	}
	return nil
}

// CancelSession marks the session failed, registers it locally so queued
// tasks are skipped on dequeue, and publishes the terminal event.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) error {
	summary, err := o.store.CancelSession(ctx, sessionID)
	if err != nil {
		return err
	}

	o.cancelledMu.Lock()
	o.cancelled[sessionID] = time.Now()
	// Opportunistic cleanup of entries older than any possible task.
	for id, at := range o.cancelled {
		if time.Since(at) > 2*o.cfg.SessionBudget {
			delete(o.cancelled, id)
		}
	}
	o.cancelledMu.Unlock()

	if err := o.sink.SessionCancelled(ctx, sessionID, summary); err != nil {
		slog.Error("Failed to publish cancellation", "session_id", sessionID, "error", err)
	}
	slog.Info("Session cancelled", "session_id", sessionID)
	return nil
}

// IsCancelled reports whether the session was cancelled on this instance.
func (o *Orchestrator) IsCancelled(sessionID string) bool {
	o.cancelledMu.RLock()
	defer o.cancelledMu.RUnlock()
	_, ok := o.cancelled[sessionID]
	return ok
}

// ResumeSession re-enqueues every pending stage of an incomplete session.
// Used by startup recovery after queued tasks were lost to a restart.
func (o *Orchestrator) ResumeSession(ctx context.Context, detail *models.SessionDetail) {
	deadline := time.Now().Add(o.cfg.SessionBudget)
	for i := range detail.Items {
		item := &detail.Items[i]
		base := Task{
			SessionID:    detail.Session.ID,
			ItemID:       item.ItemID,
			JapaneseText: item.JapaneseText,
			Deadline:     deadline,
		}
		if item.EnglishText != nil {
			base.EnglishText = *item.EnglishText
		}
		if item.Category != nil {
			base.Category = *item.Category
		}

		translationTerminal := item.TranslationStatus.Terminal()
		for _, stage := range models.AllStages {
			if item.StageStatusOf(stage) != models.StagePending {
				continue
			}
			// Under gating, non-translation stages wait for translation.
			if o.cfg.GateOnTranslation && stage != models.StageTranslation && !translationTerminal {
				continue
			}
			o.enqueueStage(ctx, base, stage)
		}
	}
}

var _ sink.GateNotifier = (*Orchestrator)(nil)
