package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

// SnapshotCache is an optional Redis-backed cache for hot session reads
// (subscriber snapshots, polling clients). It is never authoritative: every
// miss or error falls back to the database, and mutating store calls
// invalidate the key. Entries carry a short TTL as a second line of defense
// against stale reads.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache creates a cache on an existing Redis client.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(sessionID string) string {
	return "menusense:session:" + sessionID + ":snapshot"
}

// cachedDetail is the Redis representation of a SessionDetail. The public
// item JSON hides four of the six stage statuses, so the cache carries every
// status in a side map and restores them on read.
type cachedDetail struct {
	Session models.Session `json:"session"`
	Items   []cachedItem   `json:"items"`
}

type cachedItem struct {
	Item     models.MenuItem                     `json:"item"`
	Statuses map[models.Stage]models.StageStatus `json:"statuses"`
}

// Get returns the cached snapshot, or nil on miss or error.
func (c *SnapshotCache) Get(ctx context.Context, sessionID string) *models.SessionDetail {
	data, err := c.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("Snapshot cache read failed", "session_id", sessionID, "error", err)
		}
		return nil
	}

	var cached cachedDetail
	if err := json.Unmarshal(data, &cached); err != nil {
		slog.Warn("Snapshot cache decode failed", "session_id", sessionID, "error", err)
		return nil
	}

	detail := &models.SessionDetail{
		Session: cached.Session,
		Items:   make([]models.MenuItem, len(cached.Items)),
	}
	for i, entry := range cached.Items {
		item := entry.Item
		for _, stage := range models.AllStages {
			item.SetStageStatus(stage, entry.Statuses[stage])
		}
		detail.Items[i] = item
	}
	return detail
}

// Put stores a snapshot. Best-effort.
func (c *SnapshotCache) Put(ctx context.Context, detail *models.SessionDetail) {
	cached := cachedDetail{
		Session: detail.Session,
		Items:   make([]cachedItem, len(detail.Items)),
	}
	for i := range detail.Items {
		item := &detail.Items[i]
		statuses := make(map[models.Stage]models.StageStatus, len(models.AllStages))
		for _, stage := range models.AllStages {
			statuses[stage] = item.StageStatusOf(stage)
		}
		cached.Items[i] = cachedItem{Item: *item, Statuses: statuses}
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, snapshotKey(detail.Session.ID), data, c.ttl).Err(); err != nil {
		slog.Warn("Snapshot cache write failed",
			"session_id", detail.Session.ID, "error", err)
	}
}

// Invalidate removes a session's cached snapshot. Best-effort.
func (c *SnapshotCache) Invalidate(ctx context.Context, sessionID string) {
	if err := c.client.Del(ctx, snapshotKey(sessionID)).Err(); err != nil {
		slog.Warn("Snapshot cache invalidation failed",
			"session_id", sessionID, "error", err)
	}
}
