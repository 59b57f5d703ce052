package models

// Stage identifies one kind of per-item enrichment work.
type Stage string

// Enrichment stage kinds. Each menu item is fanned out across all six.
const (
	StageTranslation Stage = "translation"
	StageDescription Stage = "description"
	StageAllergen    Stage = "allergen"
	StageIngredient  Stage = "ingredient"
	StageImageSearch Stage = "image_search"
	StageImageGen    Stage = "image_gen"
)

// AllStages lists every stage in dispatch order.
var AllStages = []Stage{
	StageTranslation,
	StageDescription,
	StageAllergen,
	StageIngredient,
	StageImageSearch,
	StageImageGen,
}

// ValidStage reports whether s names a known stage.
func ValidStage(s Stage) bool {
	switch s {
	case StageTranslation, StageDescription, StageAllergen,
		StageIngredient, StageImageSearch, StageImageGen:
		return true
	}
	return false
}

// StageStatus is the lifecycle state of one (item, stage) pair.
type StageStatus string

// Stage lifecycle states. Completed and failed are sticky.
const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}
