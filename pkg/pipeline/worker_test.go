package pipeline

import (
	"context"
	"errors"
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

// flakyTranslator fails with errs[i] on call i, succeeding once the script
// runs out.
type flakyTranslator struct {
	name  string
	errs  []error
	calls int
}

func (f *flakyTranslator) Name() string { return f.name }

func (f *flakyTranslator) Translate(ctx context.Context, req providers.Request) (*providers.TranslationResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &providers.TranslationResult{EnglishText: req.JapaneseText + " (en)"}, nil
}

// staticCancel is a fixed cancellation answer for worker tests.
type staticCancel bool

func (s staticCancel) IsCancelled(string) bool { return bool(s) }

func newTestWorker(t *testing.T, translator providers.Translator) (*worker, *store.SessionStore) {
	t.Helper()
	client := util.SetupTestDatabase(t)
	st := store.NewSessionStore(client.DB())
	snk := sink.New(st, events.NewPublisher(client.DB()), metrics.NewNop())
	adapter := providers.NewAdapter(
		providers.Chains{Translation: []providers.Translator{translator}},
		providers.AdapterConfig{MaxRetries: 1, InitialBackoff: time.Millisecond})
	w := &worker{adapter: adapter, sink: snk, cancelled: staticCancel(false), retryDelay: time.Millisecond}
	return w, st
}

func mustCreateSession(t *testing.T, st *store.SessionStore, id string, texts ...string) {
	t.Helper()
	_, err := st.CreateSession(context.Background(), id, texts, nil)
	require.NoError(t, err)
}

func lastProviderRecord(t *testing.T, st *store.SessionStore, sessionID string, itemID int) models.ProviderRecord {
	t.Helper()
	records, err := st.GetProviderRecords(context.Background(), sessionID, itemID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	return records[len(records)-1]
}

func TestWorkerRetriesUnresolvedTransientOnce(t *testing.T) {
	transient := providers.NewFailure(providers.ClassTransient, "flaky", errors.New("hiccup"))
	// Two scripted failures exhaust the adapter's retry budget on the first
	// dispatch; the worker's extra attempt succeeds on call three.
	translator := &flakyTranslator{name: "flaky", errs: []error{transient, transient}}
	w, st := newTestWorker(t, translator)
	ctx := context.Background()
	mustCreateSession(t, st, "sess-1", "親子丼")

	w.handle(ctx, Task{SessionID: "sess-1", ItemID: 0,
		Stage: models.StageTranslation, JapaneseText: "親子丼"})

	assert.Equal(t, 3, translator.calls)
	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, detail.Items[0].TranslationStatus)
	require.NotNil(t, detail.Items[0].EnglishText)
	assert.Equal(t, "親子丼 (en)", *detail.Items[0].EnglishText)
}

func TestWorkerExpiredTaskFailsWithoutDispatch(t *testing.T) {
	translator := &flakyTranslator{name: "unused"}
	w, st := newTestWorker(t, translator)
	ctx := context.Background()
	mustCreateSession(t, st, "sess-1", "親子丼")

	w.handle(ctx, Task{SessionID: "sess-1", ItemID: 0,
		Stage: models.StageTranslation, JapaneseText: "親子丼",
		Deadline: time.Now().Add(-time.Second)})

	assert.Zero(t, translator.calls, "an expired task never reaches the provider")
	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, detail.Items[0].TranslationStatus)

	record := lastProviderRecord(t, st, "sess-1", 0)
	assert.Equal(t, "none", record.Provider)
	assert.Equal(t, string(providers.ClassTimeout), record.ErrorClass)
}

func TestWorkerDeadlineDuringCallRecordsTimeout(t *testing.T) {
	w, st := newTestWorker(t, &providers.Stub{Delay: 200 * time.Millisecond})
	ctx := context.Background()
	mustCreateSession(t, st, "sess-1", "親子丼")

	w.handle(ctx, Task{SessionID: "sess-1", ItemID: 0,
		Stage: models.StageTranslation, JapaneseText: "親子丼",
		Deadline: time.Now().Add(30 * time.Millisecond)})

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, detail.Items[0].TranslationStatus)
	assert.Equal(t, string(providers.ClassTimeout),
		lastProviderRecord(t, st, "sess-1", 0).ErrorClass)
}

func TestWorkerSkipsCancelledSession(t *testing.T) {
	translator := &flakyTranslator{name: "unused"}
	w, st := newTestWorker(t, translator)
	w.cancelled = staticCancel(true)
	ctx := context.Background()
	mustCreateSession(t, st, "sess-1", "親子丼")

	w.handle(ctx, Task{SessionID: "sess-1", ItemID: 0,
		Stage: models.StageTranslation, JapaneseText: "親子丼"})

	assert.Zero(t, translator.calls)
	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, detail.Items[0].TranslationStatus,
		"a skipped task leaves the stage untouched")
	records, err := st.GetProviderRecords(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}
