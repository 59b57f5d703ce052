package models

import (
	"encoding/json"
	"time"
)

// MenuItem is one dish detected in the OCR output, identified by its 0-based
// position within the session. The six per-stage statuses are tracked
// individually in storage; the JSON surface exposes the three public status
// fields, with image_status derived from the two image stages.
type MenuItem struct {
	SessionID    string  `json:"session_id"`
	ItemID       int     `json:"item_id"`
	JapaneseText string  `json:"japanese_text"`
	EnglishText  *string `json:"english_text"`
	Category     *string `json:"category"`
	Description  *string `json:"description"`

	Allergens   []string `json:"allergens,omitempty"`
	Ingredients []string `json:"ingredients,omitempty"`

	TranslationStatus StageStatus `json:"translation_status"`
	DescriptionStatus StageStatus `json:"description_status"`
	AllergenStatus    StageStatus `json:"-"`
	IngredientStatus  StageStatus `json:"-"`
	ImageSearchStatus StageStatus `json:"-"`
	ImageGenStatus    StageStatus `json:"-"`

	Images []ItemImage `json:"images,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImageStatus derives the public image stage status from the search and
// generation stages: failed if either failed, completed when both completed,
// processing if either started, else pending.
func (m *MenuItem) ImageStatus() StageStatus {
	a, b := m.ImageSearchStatus, m.ImageGenStatus
	switch {
	case a == StageFailed || b == StageFailed:
		return StageFailed
	case a == StageCompleted && b == StageCompleted:
		return StageCompleted
	case a == StageProcessing || b == StageProcessing ||
		a == StageCompleted || b == StageCompleted:
		return StageProcessing
	default:
		return StagePending
	}
}

// StageStatusOf returns the status of a single stage.
func (m *MenuItem) StageStatusOf(stage Stage) StageStatus {
	switch stage {
	case StageTranslation:
		return m.TranslationStatus
	case StageDescription:
		return m.DescriptionStatus
	case StageAllergen:
		return m.AllergenStatus
	case StageIngredient:
		return m.IngredientStatus
	case StageImageSearch:
		return m.ImageSearchStatus
	case StageImageGen:
		return m.ImageGenStatus
	}
	return ""
}

// SetStageStatus sets the status of a single stage. Unknown stages are
// ignored.
func (m *MenuItem) SetStageStatus(stage Stage, status StageStatus) {
	switch stage {
	case StageTranslation:
		m.TranslationStatus = status
	case StageDescription:
		m.DescriptionStatus = status
	case StageAllergen:
		m.AllergenStatus = status
	case StageIngredient:
		m.IngredientStatus = status
	case StageImageSearch:
		m.ImageSearchStatus = status
	case StageImageGen:
		m.ImageGenStatus = status
	}
}

// AllStagesTerminal reports whether every stage of the item is terminal.
func (m *MenuItem) AllStagesTerminal() bool {
	for _, s := range AllStages {
		if !m.StageStatusOf(s).Terminal() {
			return false
		}
	}
	return true
}

// MarshalJSON adds the derived image_status field to the item's JSON form.
func (m MenuItem) MarshalJSON() ([]byte, error) {
	type alias MenuItem
	return json.Marshal(struct {
		alias
		ImageStatus StageStatus `json:"image_status"`
	}{alias(m), m.ImageStatus()})
}

// ItemImage is one reference or generated image attached to a menu item.
// Rows are append-only; image-search may insert many, image-gen one.
type ItemImage struct {
	ID           int64          `json:"id"`
	SessionID    string         `json:"session_id"`
	ItemID       int            `json:"item_id"`
	ImageURL     string         `json:"image_url"`
	StorageKey   *string        `json:"storage_key,omitempty"`
	Prompt       *string        `json:"prompt,omitempty"`
	Provider     string         `json:"provider"`
	FallbackUsed bool           `json:"fallback_used"`
	Metadata     map[string]any `json:"image_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
