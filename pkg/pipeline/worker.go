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

// cancelChecker reports whether a session was cancelled on this instance,
// letting workers skip queued tasks without a database read.
type cancelChecker interface {
	IsCancelled(sessionID string) bool
}

// worker is the shared stage handler: mark processing, call the adapter,
// submit the outcome. One worker serves all pools; the task carries the
// stage.
type worker struct {
	adapter   *providers.Adapter
	sink      *sink.Sink
	cancelled cancelChecker

	// retryDelay precedes the single worker-level extra attempt granted to
	// Transient failures the adapter did not resolve.
	retryDelay time.Duration
}

func (w *worker) handle(ctx context.Context, task Task) {
	if w.cancelled.IsCancelled(task.SessionID) {
		slog.Debug("Skipping task for cancelled session",
			"session_id", task.SessionID, "item_id", task.ItemID, "stage", task.Stage)
		return
	}

	if !task.Deadline.IsZero() && time.Now().After(task.Deadline) {
		w.submitTimeout(ctx, task, "task deadline exceeded before dispatch")
		return
	}

	if err := w.sink.StageProcessing(ctx, task.SessionID, task.ItemID, task.Stage); err != nil {
		slog.Error("Failed to mark stage processing",
			"session_id", task.SessionID, "item_id", task.ItemID,
			"stage", task.Stage, "error", err)
	}

	taskCtx := ctx
	if !task.Deadline.IsZero() {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithDeadline(ctx, task.Deadline)
		defer cancel()
	}

	payload, info, err := w.invoke(taskCtx, task)
	if err != nil && providers.ClassOf(err) == providers.ClassTransient && task.Attempt == 0 {
		select {
		case <-taskCtx.Done():
		case <-time.After(w.retryDelay):
			task.Attempt++
			payload, info, err = w.invoke(taskCtx, task)
		}
	}

	if err != nil {
		class := providers.ClassOf(err)
		if taskCtx.Err() != nil {
			class = providers.ClassTimeout
		}
		if serr := w.sink.SubmitFailure(ctx, task.SessionID, task.ItemID, task.Stage,
			string(class), err.Error(), info); serr != nil {
			slog.Error("Failed to submit stage failure",
				"session_id", task.SessionID, "item_id", task.ItemID,
				"stage", task.Stage, "error", serr)
		}
		return
	}

	if serr := w.sink.SubmitSuccess(ctx, task.SessionID, task.ItemID, task.Stage, payload, info); serr != nil {
		slog.Error("Failed to submit stage result",
			"session_id", task.SessionID, "item_id", task.ItemID,
			"stage", task.Stage, "error", serr)
	}
}

// invoke dispatches to the stage's adapter call and maps the result to the
// store payload.
func (w *worker) invoke(ctx context.Context, task Task) (store.StagePayload, models.ProviderInfo, error) {
	req := task.Request()
	switch task.Stage {
	case models.StageTranslation:
		res, info, err := w.adapter.Translate(ctx, req)
		if err != nil {
			return store.StagePayload{}, info, err
		}
		return store.StagePayload{EnglishText: res.EnglishText, Category: res.Category}, info, nil

	case models.StageDescription:
		res, info, err := w.adapter.Describe(ctx, req)
		if err != nil {
			return store.StagePayload{}, info, err
		}
		return store.StagePayload{Description: res.Description}, info, nil

	case models.StageAllergen:
		res, info, err := w.adapter.DetectAllergens(ctx, req)
		if err != nil {
			return store.StagePayload{}, info, err
		}
		return store.StagePayload{Allergens: res.Allergens}, info, nil

	case models.StageIngredient:
		res, info, err := w.adapter.ExtractIngredients(ctx, req)
		if err != nil {
			return store.StagePayload{}, info, err
		}
		return store.StagePayload{Ingredients: res.Ingredients}, info, nil

	case models.StageImageSearch:
		res, info, err := w.adapter.SearchImages(ctx, req)
		if err != nil {
			return store.StagePayload{}, info, err
		}
		return store.StagePayload{Images: toItemImages(task, res.Images, info)}, info, nil

	case models.StageImageGen:
		res, info, err := w.adapter.GenerateImage(ctx, req)
		if err != nil {
			return store.StagePayload{}, info, err
		}
		return store.StagePayload{Images: toItemImages(task, []providers.Image{res.Image}, info)}, info, nil
	}

	return store.StagePayload{}, models.ProviderInfo{},
		providers.NewFailure(providers.ClassPermanent, "", errUnknownStage(task.Stage))
}

func (w *worker) submitTimeout(ctx context.Context, task Task, message string) {
	if err := w.sink.SubmitFailure(ctx, task.SessionID, task.ItemID, task.Stage,
		string(providers.ClassTimeout), message, models.ProviderInfo{Provider: "none"}); err != nil {
		slog.Error("Failed to submit timeout failure",
			"session_id", task.SessionID, "item_id", task.ItemID,
			"stage", task.Stage, "error", err)
	}
}

func toItemImages(task Task, images []providers.Image, info models.ProviderInfo) []models.ItemImage {
	out := make([]models.ItemImage, 0, len(images))
	for _, img := range images {
		item := models.ItemImage{
			SessionID:    task.SessionID,
			ItemID:       task.ItemID,
			ImageURL:     img.URL,
			Provider:     info.Provider,
			FallbackUsed: info.FallbackUsed,
			Metadata:     img.Metadata,
		}
		if img.StorageKey != "" {
			item.StorageKey = &img.StorageKey
		}
		if img.Prompt != "" {
			item.Prompt = &img.Prompt
		}
		out = append(out, item)
	}
	return out
}

type errUnknownStage models.Stage

func (e errUnknownStage) Error() string { return "unknown stage " + string(e) }
