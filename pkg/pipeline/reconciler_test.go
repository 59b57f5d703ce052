package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/metrics"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/sink"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
	"github.com/kirie0319/menu-sense-backend-sub000/test/util"
)

func newReconcilerHarness(t *testing.T) (*store.SessionStore, *sink.Sink) {
	t.Helper()
	client := util.SetupTestDatabase(t)
	st := store.NewSessionStore(client.DB())
	return st, sink.New(st, events.NewPublisher(client.DB()), metrics.NewNop())
}

func TestSweepFailsStuckStage(t *testing.T) {
	st, snk := newReconcilerHarness(t)
	ctx := context.Background()
	mustCreateSession(t, st, "sess-1", "唐揚げ")

	_, err := st.MarkStageProcessing(ctx, "sess-1", 0, models.StageTranslation)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	r := NewReconciler(st, snk, time.Minute,
		map[models.Stage]time.Duration{models.StageTranslation: time.Millisecond})
	r.sweep(ctx)

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, detail.Items[0].TranslationStatus)

	record := lastProviderRecord(t, st, "sess-1", 0)
	assert.Equal(t, "reconciler", record.Provider)
	assert.Equal(t, string(providers.ClassTimeout), record.ErrorClass)
	assert.Equal(t, "stage exceeded its deadline", record.ErrorMessage)

	// A second sweep finds nothing: the stage already left processing.
	r.sweep(ctx)
	records, err := st.GetProviderRecords(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStartupRecoveryResumesSession(t *testing.T) {
	st, snk := newReconcilerHarness(t)
	ctx := context.Background()
	mustCreateSession(t, st, "sess-1", "唐揚げ")

	// An orphaned processing stage from before the restart.
	_, err := st.MarkStageProcessing(ctx, "sess-1", 0, models.StageTranslation)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// Pools are never started, so re-enqueued tasks stay visible in the
	// queues.
	o := New(Config{}, st, snk, nil, metrics.NewNop())
	r := NewReconciler(st, snk, time.Minute, nil)
	require.NoError(t, r.RunStartupRecovery(ctx, o))

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, detail.Items[0].TranslationStatus,
		"orphaned processing stages fail; their workers are gone")
	assert.Equal(t, "recovery", lastProviderRecord(t, st, "sess-1", 0).Provider)

	assert.Zero(t, o.pools[models.StageTranslation].Depth(),
		"a terminal stage is not re-enqueued")
	queued := 0
	for _, stage := range models.AllStages[1:] {
		queued += o.pools[stage].Depth()
	}
	assert.Equal(t, 5, queued, "every pending stage is re-enqueued")
	assert.Equal(t, models.SessionProcessing, detail.Session.Status)
}

func TestStartupRecoveryCompletesFinishedSession(t *testing.T) {
	st, snk := newReconcilerHarness(t)
	ctx := context.Background()
	mustCreateSession(t, st, "sess-1", "唐揚げ")

	// Every stage is terminal but the crash happened before the completion
	// check could run.
	info := models.ProviderInfo{Provider: "stub"}
	for _, stage := range models.AllStages {
		_, err := st.RecordStageSuccess(ctx, "sess-1", 0, stage,
			store.StagePayload{EnglishText: "Fried Chicken", Description: "Crispy."}, info)
		require.NoError(t, err)
	}

	o := New(Config{}, st, snk, nil, metrics.NewNop())
	r := NewReconciler(st, snk, time.Minute, nil)
	require.NoError(t, r.RunStartupRecovery(ctx, o))

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, detail.Session.Status)
}
