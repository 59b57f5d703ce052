package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
)

func newTestCache(t *testing.T) (*store.SnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewSnapshotCache(client, time.Minute), mr
}

func TestSnapshotCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	assert.Nil(t, cache.Get(ctx, "sess-1"), "miss returns nil")

	english := "Fried Chicken"
	detail := &models.SessionDetail{
		Session: models.Session{ID: "sess-1", TotalItems: 1,
			Status: models.SessionProcessing, EventSeq: 7},
		Items: []models.MenuItem{{
			SessionID:         "sess-1",
			JapaneseText:      "唐揚げ",
			EnglishText:       &english,
			TranslationStatus: models.StageCompleted,
			DescriptionStatus: models.StageCompleted,
			AllergenStatus:    models.StageCompleted,
			IngredientStatus:  models.StageProcessing,
			ImageSearchStatus: models.StageCompleted,
			ImageGenStatus:    models.StageFailed,
		}},
	}
	cache.Put(ctx, detail)

	got := cache.Get(ctx, "sess-1")
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.Session.ID)
	assert.Equal(t, int64(7), got.Session.EventSeq, "event_seq survives the round trip")
	require.Len(t, got.Items, 1)
	require.NotNil(t, got.Items[0].EnglishText)
	assert.Equal(t, "Fried Chicken", *got.Items[0].EnglishText)

	// Every stage status survives, including the four hidden from the
	// public item JSON.
	for _, stage := range models.AllStages {
		assert.Equal(t, detail.Items[0].StageStatusOf(stage),
			got.Items[0].StageStatusOf(stage), string(stage))
	}
	assert.Equal(t, models.StageFailed, got.Items[0].ImageStatus())

	cache.Invalidate(ctx, "sess-1")
	assert.Nil(t, cache.Get(ctx, "sess-1"))
}

func TestSnapshotCacheTerminalItem(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	item := models.MenuItem{SessionID: "sess-1", JapaneseText: "寿司"}
	for _, stage := range models.AllStages {
		item.SetStageStatus(stage, models.StageCompleted)
	}
	cache.Put(ctx, &models.SessionDetail{
		Session: models.Session{ID: "sess-1", TotalItems: 1, Status: models.SessionProcessing},
		Items:   []models.MenuItem{item},
	})

	got := cache.Get(ctx, "sess-1")
	require.NotNil(t, got)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].AllStagesTerminal(),
		"a cache hit must not revive terminal stages")
	assert.Equal(t, models.StageCompleted, got.Items[0].ImageStatus())
}

func TestSnapshotCacheExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	cache.Put(ctx, &models.SessionDetail{
		Session: models.Session{ID: "sess-1", Status: models.SessionProcessing},
	})
	require.NotNil(t, cache.Get(ctx, "sess-1"))

	mr.FastForward(2 * time.Minute)
	assert.Nil(t, cache.Get(ctx, "sess-1"))
}

func TestSnapshotCacheCorruptEntry(t *testing.T) {
	cache, mr := newTestCache(t)

	require.NoError(t, mr.Set("menusense:session:sess-1:snapshot", "{not json"))
	assert.Nil(t, cache.Get(context.Background(), "sess-1"))
}
