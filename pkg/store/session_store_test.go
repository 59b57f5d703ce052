package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
	"github.com/kirie0319/menu-sense-backend-sub000/test/util"
)

func newTestStore(t *testing.T) (*store.SessionStore, *events.Publisher) {
	client := util.SetupTestDatabase(t)
	return store.NewSessionStore(client.DB()), events.NewPublisher(client.DB())
}

func createSession(t *testing.T, st *store.SessionStore, id string, texts ...string) *models.SessionDetail {
	t.Helper()
	detail, err := st.CreateSession(context.Background(), id, texts, map[string]any{"source": "test"})
	require.NoError(t, err)
	return detail
}

func TestCreateSession(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	detail := createSession(t, st, "sess-1", "唐揚げ", "味噌汁")
	assert.Equal(t, models.SessionProcessing, detail.Session.Status)
	assert.Equal(t, 2, detail.Session.TotalItems)
	require.Len(t, detail.Items, 2)
	assert.Equal(t, 0, detail.Items[0].ItemID)
	assert.Equal(t, "唐揚げ", detail.Items[0].JapaneseText)
	for _, item := range detail.Items {
		for _, stage := range models.AllStages {
			assert.Equal(t, models.StagePending, item.StageStatusOf(stage))
		}
	}

	_, err := st.CreateSession(ctx, "sess-1", []string{"餃子"}, nil)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestGetSessionNotFound(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkStageProcessingIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "唐揚げ")

	changed, err := st.MarkStageProcessing(ctx, "sess-1", 0, models.StageTranslation)
	require.NoError(t, err)
	assert.True(t, changed)

	// Second call is a no-op: the stage already left pending.
	changed, err = st.MarkStageProcessing(ctx, "sess-1", 0, models.StageTranslation)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRecordStageSuccess(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "親子丼")

	payload := store.StagePayload{EnglishText: "Chicken and Egg Rice Bowl", Category: "main"}
	info := models.ProviderInfo{Provider: "google_gemini", ElapsedMS: 187}

	applied, err := st.RecordStageSuccess(ctx, "sess-1", 0, models.StageTranslation, payload, info)
	require.NoError(t, err)
	assert.True(t, applied)

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	item := detail.Items[0]
	require.NotNil(t, item.EnglishText)
	assert.Equal(t, "Chicken and Egg Rice Bowl", *item.EnglishText)
	assert.Equal(t, models.StageCompleted, item.TranslationStatus)

	// Replay: payload untouched, applied false, but a second audit row lands.
	applied, err = st.RecordStageSuccess(ctx, "sess-1", 0, models.StageTranslation,
		store.StagePayload{EnglishText: "Other"}, info)
	require.NoError(t, err)
	assert.False(t, applied)

	detail, err = st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Chicken and Egg Rice Bowl", *detail.Items[0].EnglishText)

	records, err := st.GetProviderRecords(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.True(t, records[0].Success)
}

func TestRecordStageSuccessKeepsChainAttempts(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "親子丼")

	// A success reached through a fallback leaves a failed audit row for the
	// exhausted primary ahead of the terminal row.
	info := models.ProviderInfo{
		Provider:     "openai_fallback",
		ElapsedMS:    412,
		FallbackUsed: true,
		Attempts: []models.ProviderAttempt{{
			Provider:     "google_gemini",
			ErrorClass:   "RateLimit",
			ErrorMessage: "429 from upstream",
			ElapsedMS:    238,
		}},
	}
	applied, err := st.RecordStageSuccess(ctx, "sess-1", 0, models.StageTranslation,
		store.StagePayload{EnglishText: "Chicken and Egg Rice Bowl"}, info)
	require.NoError(t, err)
	assert.True(t, applied)

	records, err := st.GetProviderRecords(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "google_gemini", records[0].Provider)
	assert.False(t, records[0].Success)
	assert.Equal(t, "RateLimit", records[0].ErrorClass)
	assert.Equal(t, "429 from upstream", records[0].ErrorMessage)

	assert.Equal(t, "openai_fallback", records[1].Provider)
	assert.True(t, records[1].Success)
	assert.True(t, records[1].FallbackUsed)
}

func TestRecordStageFailureIsSticky(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "親子丼")

	info := models.ProviderInfo{Provider: "stub"}
	applied, err := st.RecordStageSuccess(ctx, "sess-1", 0, models.StageDescription,
		store.StagePayload{Description: "Tasty."}, info)
	require.NoError(t, err)
	require.True(t, applied)

	// A late failure never downgrades a completed stage.
	applied, err = st.RecordStageFailure(ctx, "sess-1", 0, models.StageDescription,
		"Timeout", "too slow", info)
	require.NoError(t, err)
	assert.False(t, applied)

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, detail.Items[0].DescriptionStatus)
	require.NotNil(t, detail.Items[0].Description)
	assert.Equal(t, "Tasty.", *detail.Items[0].Description)
}

func TestRecordImageStages(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "寿司")

	info := models.ProviderInfo{Provider: "google_image_search"}
	payload := store.StagePayload{Images: []models.ItemImage{
		{SessionID: "sess-1", ItemID: 0, ImageURL: "https://img.example.com/sushi-1.jpg"},
		{SessionID: "sess-1", ItemID: 0, ImageURL: "https://img.example.com/sushi-2.jpg"},
	}}
	applied, err := st.RecordStageSuccess(ctx, "sess-1", 0, models.StageImageSearch, payload, info)
	require.NoError(t, err)
	require.True(t, applied)

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, detail.Items[0].Images, 2)
	assert.Equal(t, "https://img.example.com/sushi-1.jpg", detail.Items[0].Images[0].ImageURL)
	assert.Equal(t, "google_image_search", detail.Items[0].Images[0].Provider)
}

func TestGetProgress(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "唐揚げ", "味噌汁")

	info := models.ProviderInfo{Provider: "stub"}
	_, err := st.RecordStageSuccess(ctx, "sess-1", 0, models.StageTranslation,
		store.StagePayload{EnglishText: "Fried Chicken"}, info)
	require.NoError(t, err)
	_, err = st.RecordStageFailure(ctx, "sess-1", 1, models.StageTranslation, "Permanent", "nope", info)
	require.NoError(t, err)

	progress, err := st.GetProgress(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 0, progress.FullyCompleted)
	counts := progress.PerStage[models.StageTranslation]
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Failed)
	// 2 of 12 (item, stage) pairs terminal.
	assert.InDelta(t, 100.0*2/12, progress.Percentage, 0.01)
}

func completeAllStages(t *testing.T, st *store.SessionStore, sessionID string, itemID int) {
	t.Helper()
	ctx := context.Background()
	info := models.ProviderInfo{Provider: "stub"}
	for _, stage := range models.AllStages {
		_, err := st.RecordStageSuccess(ctx, sessionID, itemID, stage,
			store.StagePayload{EnglishText: "x", Description: "x"}, info)
		require.NoError(t, err)
	}
}

func TestCompleteSessionIfDone(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "唐揚げ")

	// Not done while stages remain non-terminal.
	done, _, err := st.CompleteSessionIfDone(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, done)

	completeAllStages(t, st, "sess-1", 0)

	done, summary, err := st.CompleteSessionIfDone(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 1, summary.CompletedCount)
	assert.Equal(t, 0, summary.FailedCount)

	// Exactly one caller observes the transition.
	done, _, err = st.CompleteSessionIfDone(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, done)

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, detail.Session.Status)
	require.NotNil(t, detail.Session.CompletedAt)
}

func TestCompleteSessionSummaryWithFailedStages(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "寿司", "天ぷら")

	// Every stage terminal, but image generation failed on both items.
	info := models.ProviderInfo{Provider: "stub"}
	for itemID := 0; itemID < 2; itemID++ {
		for _, stage := range models.AllStages[:len(models.AllStages)-1] {
			_, err := st.RecordStageSuccess(ctx, "sess-1", itemID, stage,
				store.StagePayload{EnglishText: "x", Description: "x"}, info)
			require.NoError(t, err)
		}
		_, err := st.RecordStageFailure(ctx, "sess-1", itemID, models.StageImageGen,
			"UpstreamError", "image model unavailable", info)
		require.NoError(t, err)
	}

	done, summary, err := st.CompleteSessionIfDone(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, done)

	// Both items went terminal, so both count as completed; the stage
	// failures stay visible in the per-stage breakdown.
	assert.Equal(t, 2, summary.CompletedCount)
	assert.Equal(t, 0, summary.FailedCount)
	assert.Equal(t, 2, summary.PerStage[models.StageImageGen].Failed)
	assert.Equal(t, 2, summary.PerStage[models.StageTranslation].Completed)
}

func TestCancelSession(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "唐揚げ")

	summary, err := st.CancelSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.CompletedCount)
	assert.Equal(t, 1, summary.FailedCount)

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, detail.Session.Status)

	// A terminal session is not cancellable again.
	_, err = st.CancelSession(ctx, "sess-1")
	assert.ErrorIs(t, err, store.ErrNotCancellable)

	_, err = st.CancelSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchItems(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "親子丼", "味噌汁")

	info := models.ProviderInfo{Provider: "stub"}
	_, err := st.RecordStageSuccess(ctx, "sess-1", 0, models.StageTranslation,
		store.StagePayload{EnglishText: "Chicken and Egg Rice Bowl", Category: "main"}, info)
	require.NoError(t, err)

	items, err := st.SearchItems(ctx, "chicken", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "親子丼", items[0].JapaneseText)

	// Japanese text matches too.
	items, err = st.SearchItems(ctx, "味噌", "", 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// Category filter.
	items, err = st.SearchItems(ctx, "chicken", "dessert", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListStuckStages(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "唐揚げ")

	_, err := st.MarkStageProcessing(ctx, "sess-1", 0, models.StageTranslation)
	require.NoError(t, err)

	// With a generous timeout nothing is stuck.
	stuck, err := st.ListStuckStages(ctx, map[models.Stage]time.Duration{
		models.StageTranslation: time.Hour,
	})
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// A nil timeout map matches every processing stage.
	stuck, err = st.ListStuckStages(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "sess-1", stuck[0].SessionID)
	assert.Equal(t, models.StageTranslation, stuck[0].Stage)
}

func TestCatchupEvents(t *testing.T) {
	st, pub := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "唐揚げ")

	for i := 0; i < 3; i++ {
		env := events.NewEnvelope("sess-1", events.EventTypeStageProcessing)
		seq, err := pub.Publish(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq, "event_id is contiguous from 1")
	}

	got, err := st.GetCatchupEvents(ctx, events.SessionChannel("sess-1"), 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, int64(3), got[1].Seq)
}

func TestDeleteEventsBefore(t *testing.T) {
	st, pub := newTestStore(t)
	ctx := context.Background()
	createSession(t, st, "sess-1", "唐揚げ")

	_, err := pub.Publish(ctx, events.NewEnvelope("sess-1", events.EventTypeSessionStarted))
	require.NoError(t, err)

	deleted, err := st.DeleteEventsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = st.DeleteEventsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
