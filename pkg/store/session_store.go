// Package store implements the persistence layer for sessions, menu items,
// provider audit rows and item images on PostgreSQL. Each mutating call runs
// in a single transaction and is idempotent with respect to the item payload;
// the caller learns through the returned applied flag whether state changed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// stageColumns maps a stage to its status column on menu_items. Column names
// come from this fixed table only, never from user input.
var stageColumns = map[models.Stage]string{
	models.StageTranslation: "translation_status",
	models.StageDescription: "description_status",
	models.StageAllergen:    "allergen_status",
	models.StageIngredient:  "ingredient_status",
	models.StageImageSearch: "image_search_status",
	models.StageImageGen:    "image_gen_status",
}

func stageColumn(stage models.Stage) (string, error) {
	col, ok := stageColumns[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}
	return col, nil
}

// SessionStore provides all database operations of the pipeline. It is the
// only component that writes sessions, menu_items, processing_providers and
// menu_item_images.
type SessionStore struct {
	db    *sql.DB
	cache *SnapshotCache
}

// NewSessionStore creates a store on the shared connection pool.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// WithCache attaches an optional snapshot cache and returns the store.
func (s *SessionStore) WithCache(c *SnapshotCache) *SessionStore {
	s.cache = c
	return s
}

// StagePayload carries the result fields a completed stage writes to its
// item. Only the fields owned by the stage are consulted.
type StagePayload struct {
	EnglishText string
	Category    string
	Description string
	Allergens   []string
	Ingredients []string
	Images      []models.ItemImage
}

// StuckStage identifies a stage stuck in processing past its deadline.
type StuckStage struct {
	SessionID string
	ItemID    int
	Stage     models.Stage
	UpdatedAt time.Time
}

// CreateSession inserts the session row and one menu item per text, all
// stages pending, in one transaction. Returns ErrAlreadyExists when the
// session_id is taken.
func (s *SessionStore) CreateSession(ctx context.Context, sessionID string, texts []string, metadata map[string]any) (*models.SessionDetail, error) {
	metaJSON, err := marshalJSONB(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, total_items, status, event_seq, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5, $5)`,
		sessionID, len(texts), models.SessionProcessing, metaJSON, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	items := make([]models.MenuItem, 0, len(texts))
	for i, text := range texts {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO menu_items (session_id, item_id, japanese_text,
			    translation_status, description_status, allergen_status,
			    ingredient_status, image_search_status, image_gen_status,
			    allergens, ingredients, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4, $4, $4, $4, $4, '[]', '[]', $5, $5)`,
			sessionID, i, text, models.StagePending, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert menu item %d: %w", i, err)
		}
		items = append(items, models.MenuItem{
			SessionID:         sessionID,
			ItemID:            i,
			JapaneseText:      text,
			TranslationStatus: models.StagePending,
			DescriptionStatus: models.StagePending,
			AllergenStatus:    models.StagePending,
			IngredientStatus:  models.StagePending,
			ImageSearchStatus: models.StagePending,
			ImageGenStatus:    models.StagePending,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session creation: %w", err)
	}

	return &models.SessionDetail{
		Session: models.Session{
			ID:         sessionID,
			TotalItems: len(texts),
			Status:     models.SessionProcessing,
			Metadata:   metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		Items: items,
	}, nil
}

// GetSession returns a consistent snapshot of the session, its items and
// their images. Served from the snapshot cache when fresh.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*models.SessionDetail, error) {
	if s.cache != nil {
		if detail := s.cache.Get(ctx, sessionID); detail != nil {
			return detail, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	session, err := loadSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	items, err := loadItems(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := attachImages(ctx, tx, sessionID, items); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot transaction: %w", err)
	}

	detail := &models.SessionDetail{Session: *session, Items: items}
	if s.cache != nil {
		s.cache.Put(ctx, detail)
	}
	return detail, nil
}

// MarkStageProcessing moves a pending stage to processing. Returns false
// without error when the stage already left pending, so the caller publishes
// the stage_processing event at most once.
func (s *SessionStore) MarkStageProcessing(ctx context.Context, sessionID string, itemID int, stage models.Stage) (bool, error) {
	col, err := stageColumn(stage)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE menu_items SET %s = $1, updated_at = $2
		 WHERE session_id = $3 AND item_id = $4 AND %s = $5`,
		col, col),
		models.StageProcessing, time.Now(), sessionID, itemID, models.StagePending)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s processing: %w", stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.invalidate(ctx, sessionID)
	}
	return n > 0, nil
}

// RecordStageSuccess persists a stage result: writes the stage's item fields,
// marks the stage completed, and appends the provider audit row, all in one
// transaction. When the stage is already terminal the item payload is not
// touched (terminal states are sticky) and applied is false, but the audit
// row is still appended.
func (s *SessionStore) RecordStageSuccess(ctx context.Context, sessionID string, itemID int, stage models.Stage, payload StagePayload, info models.ProviderInfo) (applied bool, err error) {
	col, err := stageColumn(stage)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockStageStatus(ctx, tx, sessionID, itemID, col)
	if err != nil {
		return false, err
	}

	now := time.Now()
	if applied = !current.Terminal(); applied {
		if err := applyStagePayload(ctx, tx, sessionID, itemID, stage, col, payload, info, now); err != nil {
			return false, err
		}
	}

	if err := insertChainAttempts(ctx, tx, sessionID, itemID, stage, info, now); err != nil {
		return false, err
	}
	if err := insertProviderRecord(ctx, tx, models.ProviderRecord{
		SessionID:        sessionID,
		ItemID:           itemID,
		Stage:            stage,
		Provider:         info.Provider,
		Success:          true,
		ProcessedAt:      now,
		ProcessingTimeMS: info.ElapsedMS,
		FallbackUsed:     info.FallbackUsed,
		Metadata:         info.Metadata,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit stage result: %w", err)
	}
	s.invalidate(ctx, sessionID)
	return applied, nil
}

// RecordStageFailure marks a stage failed and appends the audit row. Like
// RecordStageSuccess it never downgrades a terminal stage: a late failure
// arriving after completion only leaves its audit trail.
func (s *SessionStore) RecordStageFailure(ctx context.Context, sessionID string, itemID int, stage models.Stage, errorClass, errorMessage string, info models.ProviderInfo) (applied bool, err error) {
	col, err := stageColumn(stage)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockStageStatus(ctx, tx, sessionID, itemID, col)
	if err != nil {
		return false, err
	}

	now := time.Now()
	if applied = !current.Terminal(); applied {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE menu_items SET %s = $1, updated_at = $2
			 WHERE session_id = $3 AND item_id = $4`, col),
			models.StageFailed, now, sessionID, itemID)
		if err != nil {
			return false, fmt.Errorf("failed to mark %s failed: %w", stage, err)
		}
	}

	if err := insertChainAttempts(ctx, tx, sessionID, itemID, stage, info, now); err != nil {
		return false, err
	}
	if err := insertProviderRecord(ctx, tx, models.ProviderRecord{
		SessionID:        sessionID,
		ItemID:           itemID,
		Stage:            stage,
		Provider:         info.Provider,
		Success:          false,
		ErrorClass:       errorClass,
		ErrorMessage:     errorMessage,
		ProcessedAt:      now,
		ProcessingTimeMS: info.ElapsedMS,
		FallbackUsed:     info.FallbackUsed,
		Metadata:         info.Metadata,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit stage failure: %w", err)
	}
	s.invalidate(ctx, sessionID)
	return applied, nil
}

// GetProgress aggregates per-stage counts for the session.
func (s *SessionStore) GetProgress(ctx context.Context, sessionID string) (*models.Progress, error) {
	session, err := loadSession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	items, err := loadItems(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}

	progress := &models.Progress{
		Total:    session.TotalItems,
		PerStage: make(map[models.Stage]models.StageCounts, len(models.AllStages)),
	}
	terminal := 0
	for _, stage := range models.AllStages {
		var counts models.StageCounts
		for i := range items {
			switch items[i].StageStatusOf(stage) {
			case models.StagePending:
				counts.Pending++
			case models.StageProcessing:
				counts.Processing++
			case models.StageCompleted:
				counts.Completed++
			case models.StageFailed:
				counts.Failed++
			}
		}
		terminal += counts.Completed + counts.Failed
		progress.PerStage[stage] = counts
	}
	for i := range items {
		if items[i].AllStagesTerminal() {
			progress.FullyCompleted++
		}
	}
	if pairs := session.TotalItems * len(models.AllStages); pairs > 0 {
		progress.Percentage = float64(terminal) / float64(pairs) * 100
	}
	return progress, nil
}

// CompleteSessionIfDone atomically transitions the session to completed when
// every (item, stage) pair is terminal. Returns (false, nil, nil) when the
// session is still in flight or already terminal, so concurrent callers after
// the last stage race safely: exactly one observes the transition.
func (s *SessionStore) CompleteSessionIfDone(ctx context.Context, sessionID string) (bool, *models.SessionSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status models.SessionStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE session_id = $1 FOR UPDATE`,
		sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, ErrNotFound
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if status != models.SessionProcessing {
		return false, nil, nil
	}

	items, err := loadItems(ctx, tx, sessionID)
	if err != nil {
		return false, nil, err
	}
	for i := range items {
		if !items[i].AllStagesTerminal() {
			return false, nil, nil
		}
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = $1, completed_at = $2, updated_at = $2
		 WHERE session_id = $3`,
		models.SessionCompleted, now, sessionID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to complete session: %w", err)
	}

	summary := summarizeItems(items)
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to commit session completion: %w", err)
	}
	s.invalidate(ctx, sessionID)
	return true, summary, nil
}

// CancelSession transitions a processing session to failed. Returns
// ErrNotCancellable when the session is already terminal.
func (s *SessionStore) CancelSession(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status models.SessionStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE session_id = $1 FOR UPDATE`,
		sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if status.Terminal() {
		return nil, ErrNotCancellable
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = $1, completed_at = $2, updated_at = $2
		 WHERE session_id = $3`,
		models.SessionFailed, now, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel session: %w", err)
	}

	items, err := loadItems(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	summary := summarizeItems(items)
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session cancellation: %w", err)
	}
	s.invalidate(ctx, sessionID)
	return summary, nil
}

// ListSessions returns sessions ordered by creation time, newest first,
// optionally filtered by status.
func (s *SessionStore) ListSessions(ctx context.Context, status models.SessionStatus, limit, offset int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT session_id, total_items, status, event_seq, metadata,
	              created_at, updated_at, completed_at
	          FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// SearchItems searches menu items across sessions by text match on the
// English or Japanese name, optionally filtered by category.
func (s *SessionStore) SearchItems(ctx context.Context, query, category string, limit int) ([]models.MenuItem, error) {
	if limit <= 0 {
		limit = 50
	}
	sqlQuery := `SELECT ` + itemColumns + ` FROM menu_items
	             WHERE (english_text ILIKE $1 OR japanese_text ILIKE $1)`
	args := []any{"%" + query + "%"}
	if category != "" {
		sqlQuery += ` AND category = $2`
		args = append(args, category)
	}
	sqlQuery += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListStuckStages returns (item, stage) pairs stuck in processing for longer
// than the stage's timeout. Used by the reconciliation sweep and startup
// recovery; a stage with no timeout entry matches every processing row.
func (s *SessionStore) ListStuckStages(ctx context.Context, timeouts map[models.Stage]time.Duration) ([]StuckStage, error) {
	now := time.Now()
	var stuck []StuckStage
	for _, stage := range models.AllStages {
		col := stageColumns[stage]
		cutoff := now.Add(-timeouts[stage])
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT m.session_id, m.item_id, m.updated_at
			 FROM menu_items m
			 JOIN sessions s ON s.session_id = m.session_id
			 WHERE m.%s = $1 AND m.updated_at < $2 AND s.status = $3
			 ORDER BY m.updated_at`, col),
			models.StageProcessing, cutoff, models.SessionProcessing)
		if err != nil {
			return nil, fmt.Errorf("failed to query stuck %s stages: %w", stage, err)
		}
		for rows.Next() {
			entry := StuckStage{Stage: stage}
			if err := rows.Scan(&entry.SessionID, &entry.ItemID, &entry.UpdatedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan stuck stage: %w", err)
			}
			stuck = append(stuck, entry)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return stuck, nil
}

// ListIncompleteSessions returns the ids of sessions still in processing.
// Used at startup to re-check completion after orphan recovery.
func (s *SessionStore) ListIncompleteSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE status = $1 ORDER BY created_at`,
		models.SessionProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetProviderRecords returns the audit trail for one item, oldest first.
func (s *SessionStore) GetProviderRecords(ctx context.Context, sessionID string, itemID int) ([]models.ProviderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, item_id, stage, provider, success,
		    error_class, error_message, processed_at, processing_time_ms,
		    fallback_used, metadata
		 FROM processing_providers
		 WHERE session_id = $1 AND item_id = $2 ORDER BY id`,
		sessionID, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider records: %w", err)
	}
	defer rows.Close()

	var records []models.ProviderRecord
	for rows.Next() {
		var (
			rec        models.ProviderRecord
			errClass   sql.NullString
			errMessage sql.NullString
			metaJSON   []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ItemID, &rec.Stage,
			&rec.Provider, &rec.Success, &errClass, &errMessage,
			&rec.ProcessedAt, &rec.ProcessingTimeMS, &rec.FallbackUsed, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan provider record: %w", err)
		}
		rec.ErrorClass = errClass.String
		rec.ErrorMessage = errMessage.String
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &rec.Metadata)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetCatchupEvents returns persisted events on a channel with seq greater
// than sinceSeq, oldest first. The stored payload is the complete envelope.
func (s *SessionStore) GetCatchupEvents(ctx context.Context, channel string, sinceSeq int64, limit int) ([]events.CatchupEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM events
		 WHERE channel = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		channel, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer rows.Close()

	var out []events.CatchupEvent
	for rows.Next() {
		var ev events.CatchupEvent
		if err := rows.Scan(&ev.Seq, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan catchup event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes persisted events older than cutoff.
func (s *SessionStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SessionStore) invalidate(ctx context.Context, sessionID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, sessionID)
	}
}

// lockStageStatus reads one stage status under FOR UPDATE so the result
// write and completion check serialize per item.
func lockStageStatus(ctx context.Context, tx *sql.Tx, sessionID string, itemID int, col string) (models.StageStatus, error) {
	var status models.StageStatus
	err := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM menu_items WHERE session_id = $1 AND item_id = $2 FOR UPDATE`, col),
		sessionID, itemID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock menu item: %w", err)
	}
	return status, nil
}

// applyStagePayload writes the stage-owned item fields and marks the stage
// completed.
func applyStagePayload(ctx context.Context, tx *sql.Tx, sessionID string, itemID int, stage models.Stage, col string, payload StagePayload, info models.ProviderInfo, now time.Time) error {
	var err error
	switch stage {
	case models.StageTranslation:
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE menu_items SET english_text = $1, category = $2, %s = $3, updated_at = $4
			 WHERE session_id = $5 AND item_id = $6`, col),
			payload.EnglishText, nullIfEmpty(payload.Category),
			models.StageCompleted, now, sessionID, itemID)
	case models.StageDescription:
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE menu_items SET description = $1, %s = $2, updated_at = $3
			 WHERE session_id = $4 AND item_id = $5`, col),
			payload.Description, models.StageCompleted, now, sessionID, itemID)
	case models.StageAllergen, models.StageIngredient:
		field := "allergens"
		values := payload.Allergens
		if stage == models.StageIngredient {
			field = "ingredients"
			values = payload.Ingredients
		}
		listJSON, merr := marshalStringList(values)
		if merr != nil {
			return merr
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE menu_items SET %s = $1, %s = $2, updated_at = $3
			 WHERE session_id = $4 AND item_id = $5`, field, col),
			listJSON, models.StageCompleted, now, sessionID, itemID)
	case models.StageImageSearch, models.StageImageGen:
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE menu_items SET %s = $1, updated_at = $2
			 WHERE session_id = $3 AND item_id = $4`, col),
			models.StageCompleted, now, sessionID, itemID)
		if err == nil {
			err = insertImages(ctx, tx, sessionID, itemID, payload.Images, info, now)
		}
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s result: %w", stage, err)
	}
	return nil
}

func insertImages(ctx context.Context, tx *sql.Tx, sessionID string, itemID int, images []models.ItemImage, info models.ProviderInfo, now time.Time) error {
	for _, img := range images {
		metaJSON, err := marshalJSONB(img.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal image metadata: %w", err)
		}
		provider := img.Provider
		if provider == "" {
			provider = info.Provider
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO menu_item_images (session_id, item_id, image_url,
			    storage_key, prompt, provider, fallback_used, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sessionID, itemID, img.ImageURL, img.StorageKey, img.Prompt,
			provider, info.FallbackUsed, metaJSON, now)
		if err != nil {
			return fmt.Errorf("failed to insert item image: %w", err)
		}
	}
	return nil
}

// insertChainAttempts appends one failed audit row per provider the adapter
// exhausted before the terminal outcome, so the trail names every provider
// that was asked.
func insertChainAttempts(ctx context.Context, tx *sql.Tx, sessionID string, itemID int, stage models.Stage, info models.ProviderInfo, now time.Time) error {
	for _, att := range info.Attempts {
		if err := insertProviderRecord(ctx, tx, models.ProviderRecord{
			SessionID:        sessionID,
			ItemID:           itemID,
			Stage:            stage,
			Provider:         att.Provider,
			Success:          false,
			ErrorClass:       att.ErrorClass,
			ErrorMessage:     att.ErrorMessage,
			ProcessedAt:      now,
			ProcessingTimeMS: att.ElapsedMS,
			FallbackUsed:     att.FallbackUsed,
		}); err != nil {
			return err
		}
	}
	return nil
}

func insertProviderRecord(ctx context.Context, tx *sql.Tx, rec models.ProviderRecord) error {
	metaJSON, err := marshalJSONB(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal provider metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO processing_providers (session_id, item_id, stage, provider,
		    success, error_class, error_message, processed_at,
		    processing_time_ms, fallback_used, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.SessionID, rec.ItemID, rec.Stage, rec.Provider, rec.Success,
		nullIfEmpty(rec.ErrorClass), nullIfEmpty(rec.ErrorMessage),
		rec.ProcessedAt, rec.ProcessingTimeMS, rec.FallbackUsed, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert provider record: %w", err)
	}
	return nil
}

// summarizeItems builds the terminal summary. An item counts as completed
// once every stage reached a terminal state, regardless of per-stage
// success; stage failures stay visible in the per-stage counts. Items with
// non-terminal stages exist only in cancellation summaries.
func summarizeItems(items []models.MenuItem) *models.SessionSummary {
	summary := &models.SessionSummary{
		PerStage: make(map[models.Stage]models.StageCounts, len(models.AllStages)),
	}
	for _, stage := range models.AllStages {
		var counts models.StageCounts
		for i := range items {
			switch items[i].StageStatusOf(stage) {
			case models.StagePending:
				counts.Pending++
			case models.StageProcessing:
				counts.Processing++
			case models.StageCompleted:
				counts.Completed++
			case models.StageFailed:
				counts.Failed++
			}
		}
		summary.PerStage[stage] = counts
	}
	for i := range items {
		if items[i].AllStagesTerminal() {
			summary.CompletedCount++
		} else {
			summary.FailedCount++
		}
	}
	return summary
}

const itemColumns = `session_id, item_id, japanese_text, english_text,
	category, description, allergens, ingredients,
	translation_status, description_status, allergen_status,
	ingredient_status, image_search_status, image_gen_status,
	created_at, updated_at`

func loadSession(ctx context.Context, q querier, sessionID string) (*models.Session, error) {
	row := q.QueryRowContext(ctx,
		`SELECT session_id, total_items, status, event_seq, metadata,
		    created_at, updated_at, completed_at
		 FROM sessions WHERE session_id = $1`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session  models.Session
		metaJSON []byte
	)
	err := row.Scan(&session.ID, &session.TotalItems, &session.Status,
		&session.EventSeq, &metaJSON, &session.CreatedAt, &session.UpdatedAt,
		&session.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &session.Metadata); err != nil {
			slog.Warn("Malformed session metadata", "session_id", session.ID, "error", err)
		}
	}
	return &session, nil
}

func loadItems(ctx context.Context, q querier, sessionID string) ([]models.MenuItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM menu_items
		 WHERE session_id = $1 ORDER BY item_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load menu items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]models.MenuItem, error) {
	var items []models.MenuItem
	for rows.Next() {
		var (
			item                  models.MenuItem
			allergens, ingredient []byte
		)
		err := rows.Scan(&item.SessionID, &item.ItemID, &item.JapaneseText,
			&item.EnglishText, &item.Category, &item.Description,
			&allergens, &ingredient,
			&item.TranslationStatus, &item.DescriptionStatus,
			&item.AllergenStatus, &item.IngredientStatus,
			&item.ImageSearchStatus, &item.ImageGenStatus,
			&item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan menu item: %w", err)
		}
		if len(allergens) > 0 {
			_ = json.Unmarshal(allergens, &item.Allergens)
		}
		if len(ingredient) > 0 {
			_ = json.Unmarshal(ingredient, &item.Ingredients)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func attachImages(ctx context.Context, q querier, sessionID string, items []models.MenuItem) error {
	rows, err := q.QueryContext(ctx,
		`SELECT id, session_id, item_id, image_url, storage_key, prompt,
		    provider, fallback_used, metadata, created_at
		 FROM menu_item_images WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load item images: %w", err)
	}
	defer rows.Close()

	byItem := make(map[int][]models.ItemImage)
	for rows.Next() {
		var (
			img      models.ItemImage
			metaJSON []byte
		)
		err := rows.Scan(&img.ID, &img.SessionID, &img.ItemID, &img.ImageURL,
			&img.StorageKey, &img.Prompt, &img.Provider, &img.FallbackUsed,
			&metaJSON, &img.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to scan item image: %w", err)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &img.Metadata)
		}
		byItem[img.ItemID] = append(byItem[img.ItemID], img)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range items {
		items[i].Images = byItem[items[i].ItemID]
	}
	return nil
}

func marshalJSONB(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func marshalStringList(v []string) ([]byte, error) {
	if v == nil {
		v = []string{}
	}
	return json.Marshal(v)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
