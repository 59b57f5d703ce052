package sink_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/metrics"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/sink"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
	"github.com/kirie0319/menu-sense-backend-sub000/test/util"
)

type gateRecorder struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (g *gateRecorder) TranslationCompleted(sessionID string, itemID int, englishText, category string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed = append(g.completed, englishText)
}

func (g *gateRecorder) TranslationFailed(sessionID string, itemID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failed = append(g.failed, sessionID)
}

func newTestSink(t *testing.T) (*sink.Sink, *store.SessionStore, *gateRecorder) {
	t.Helper()
	client := util.SetupTestDatabase(t)
	st := store.NewSessionStore(client.DB())
	pub := events.NewPublisher(client.DB())
	gate := &gateRecorder{}
	return sink.New(st, pub, metrics.NewNop()).WithGate(gate), st, gate
}

func eventTypes(t *testing.T, st *store.SessionStore, sessionID string) []string {
	t.Helper()
	got, err := st.GetCatchupEvents(context.Background(),
		events.SessionChannel(sessionID), 0, 100)
	require.NoError(t, err)
	types := make([]string, 0, len(got))
	for _, ev := range got {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(ev.Payload, &env))
		types = append(types, env.Type)
	}
	return types
}

func TestSessionStartedEvents(t *testing.T) {
	snk, st, _ := newTestSink(t)
	ctx := context.Background()

	detail, err := st.CreateSession(ctx, "sess-1", []string{"唐揚げ", "味噌汁"}, nil)
	require.NoError(t, err)
	require.NoError(t, snk.SessionStarted(ctx, detail))

	assert.Equal(t, []string{
		events.EventTypeSessionStarted,
		events.EventTypeItemCreated,
		events.EventTypeItemCreated,
	}, eventTypes(t, st, "sess-1"))
}

func TestSubmitSuccessPublishesOnce(t *testing.T) {
	snk, st, gate := newTestSink(t)
	ctx := context.Background()

	_, err := st.CreateSession(ctx, "sess-1", []string{"親子丼"}, nil)
	require.NoError(t, err)

	payload := store.StagePayload{EnglishText: "Chicken and Egg Rice Bowl", Category: "main"}
	info := models.ProviderInfo{Provider: "google_gemini", ElapsedMS: 120}

	require.NoError(t, snk.SubmitSuccess(ctx, "sess-1", 0, models.StageTranslation, payload, info))
	// Replay of the same outcome persists an audit row but publishes nothing.
	require.NoError(t, snk.SubmitSuccess(ctx, "sess-1", 0, models.StageTranslation, payload, info))

	types := eventTypes(t, st, "sess-1")
	assert.Equal(t, []string{events.EventTypeStageCompleted}, types)

	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Equal(t, []string{"Chicken and Egg Rice Bowl"}, gate.completed,
		"gate notified exactly once")
}

func TestSubmitFailureNotifiesGate(t *testing.T) {
	snk, st, gate := newTestSink(t)
	ctx := context.Background()

	_, err := st.CreateSession(ctx, "sess-1", []string{"親子丼"}, nil)
	require.NoError(t, err)

	info := models.ProviderInfo{Provider: "google_gemini"}
	require.NoError(t, snk.SubmitFailure(ctx, "sess-1", 0, models.StageTranslation,
		"Permanent", "model refused", info))

	assert.Equal(t, []string{events.EventTypeStageFailed}, eventTypes(t, st, "sess-1"))

	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Equal(t, []string{"sess-1"}, gate.failed,
		"failed translation still releases the gated stages")
}

func TestStageProcessingSilentOnReplay(t *testing.T) {
	snk, st, _ := newTestSink(t)
	ctx := context.Background()

	_, err := st.CreateSession(ctx, "sess-1", []string{"寿司"}, nil)
	require.NoError(t, err)

	require.NoError(t, snk.StageProcessing(ctx, "sess-1", 0, models.StageDescription))
	require.NoError(t, snk.StageProcessing(ctx, "sess-1", 0, models.StageDescription))

	assert.Equal(t, []string{events.EventTypeStageProcessing}, eventTypes(t, st, "sess-1"))
}

func TestSessionCompletedPublishedExactlyOnce(t *testing.T) {
	snk, st, _ := newTestSink(t)
	ctx := context.Background()

	_, err := st.CreateSession(ctx, "sess-1", []string{"寿司"}, nil)
	require.NoError(t, err)

	info := models.ProviderInfo{Provider: "stub"}
	for _, stage := range models.AllStages {
		require.NoError(t, snk.SubmitSuccess(ctx, "sess-1", 0, stage,
			store.StagePayload{EnglishText: "Sushi", Description: "Raw fish on rice."}, info))
	}
	// Extra completion checks after the terminal transition publish nothing.
	snk.CheckCompletion(ctx, "sess-1")
	snk.CheckCompletion(ctx, "sess-1")

	var terminal int
	for _, typ := range eventTypes(t, st, "sess-1") {
		if typ == events.EventTypeSessionCompleted {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)

	detail, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, detail.Session.Status)
}

func TestFullSessionEventCensus(t *testing.T) {
	snk, st, _ := newTestSink(t)
	ctx := context.Background()

	detail, err := st.CreateSession(ctx, "sess-1", []string{"親子丼"}, nil)
	require.NoError(t, err)
	require.NoError(t, snk.SessionStarted(ctx, detail))

	info := models.ProviderInfo{Provider: "stub"}
	for _, stage := range models.AllStages {
		require.NoError(t, snk.StageProcessing(ctx, "sess-1", 0, stage))
		require.NoError(t, snk.SubmitSuccess(ctx, "sess-1", 0, stage,
			store.StagePayload{EnglishText: "Chicken and Egg Rice Bowl"}, info))
	}

	// One item through all six stages: session_started, item_created, six
	// processing/completed pairs, and the terminal event.
	counts := map[string]int{}
	types := eventTypes(t, st, "sess-1")
	for _, typ := range types {
		counts[typ]++
	}
	assert.Len(t, types, 15)
	assert.Equal(t, events.EventTypeSessionStarted, types[0])
	assert.Equal(t, events.EventTypeSessionCompleted, types[len(types)-1])
	assert.Equal(t, 1, counts[events.EventTypeSessionStarted])
	assert.Equal(t, 1, counts[events.EventTypeItemCreated])
	assert.Equal(t, 6, counts[events.EventTypeStageProcessing])
	assert.Equal(t, 6, counts[events.EventTypeStageCompleted])
	assert.Equal(t, 1, counts[events.EventTypeSessionCompleted])

	// Event ids are contiguous from 1 within the session.
	stored, err := st.GetCatchupEvents(context.Background(),
		events.SessionChannel("sess-1"), 0, 100)
	require.NoError(t, err)
	for i, ev := range stored {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestSubmitFailureMissingSession(t *testing.T) {
	snk, _, _ := newTestSink(t)

	err := snk.SubmitFailure(context.Background(), "missing", 0, models.StageTranslation,
		"Transient", "boom", models.ProviderInfo{Provider: "stub"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
