// Package models holds the domain entities shared across the fitcoach
// server: orchestrated-operation artifacts, quota usage, user profiles
// and leaderboard snapshots.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ArtifactSource identifies where an artifact came from
type ArtifactSource string

const (
	// SourceCache marks an artifact served from the cache
	SourceCache ArtifactSource = "cache"

	// SourceModel marks an artifact produced by the chat model
	SourceModel ArtifactSource = "model"

	// SourceExternal marks an artifact produced by the external catalog
	SourceExternal ArtifactSource = "external"

	// SourceFallback marks a deterministically generated stand-in
	SourceFallback ArtifactSource = "fallback"
)

// OperationKind identifies an orchestrated operation
type OperationKind string

const (
	OperationMealPlan OperationKind = "mealplan"
	OperationInsight  OperationKind = "insight"
	OperationRecipe   OperationKind = "recipe"
	OperationSearch   OperationKind = "search"
)

// Artifact is the result of an orchestrated operation: a meal plan, an
// insight, a recipe or a search result page. The payload is the
// operation-specific document; the envelope fields are common.
type Artifact struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	UserID           uuid.UUID       `json:"user_id" db:"user_id"`
	Operation        OperationKind   `json:"operation" db:"operation"`
	Fingerprint      string          `json:"fingerprint" db:"fingerprint"`
	Source           ArtifactSource  `json:"source" db:"source"`
	AdvisoryMismatch bool            `json:"advisoryMismatch" db:"advisory_mismatch"`
	ProducedAt       time.Time       `json:"produced_at" db:"produced_at"`
	Payload          json.RawMessage `json:"payload" db:"payload"`
}

// MealPlan is the payload of a meal-plan artifact
type MealPlan struct {
	Days          []MealPlanDay `json:"days"`
	TotalCalories int           `json:"totalCalories"`
	ProteinGrams  int           `json:"proteinGrams"`
	CarbGrams     int           `json:"carbGrams"`
	FatGrams      int           `json:"fatGrams"`
	Notes         string        `json:"notes,omitempty"`
}

// MealPlanDay is one day of a meal plan
type MealPlanDay struct {
	Day   int    `json:"day"`
	Meals []Meal `json:"meals"`
}

// Meal is a single meal in a plan
type Meal struct {
	Name        string   `json:"name"`
	Slot        string   `json:"slot"`
	Calories    int      `json:"calories"`
	Ingredients []string `json:"ingredients"`
	Steps       []string `json:"steps,omitempty"`
}

// Insight is the payload of a nutrition-insight artifact
type Insight struct {
	Summary         string   `json:"summary"`
	Observations    []string `json:"observations"`
	Recommendations []string `json:"recommendations"`
	FocusArea       string   `json:"focusArea,omitempty"`
}

// Recipe is the payload of a recipe artifact
type Recipe struct {
	Title        string   `json:"title"`
	Servings     int      `json:"servings"`
	Calories     int      `json:"calories"`
	ProteinGrams int      `json:"proteinGrams"`
	Ingredients  []string `json:"ingredients"`
	Steps        []string `json:"steps"`
	PrepMinutes  int      `json:"prepMinutes,omitempty"`
}

// SearchPage is the payload of a catalog-search artifact
type SearchPage struct {
	Query   string         `json:"query"`
	Page    int            `json:"page"`
	Total   int            `json:"total"`
	Results []SearchResult `json:"results"`
}

// SearchResult is a single recipe or video hit from the external catalog
type SearchResult struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Calories  int    `json:"calories,omitempty"`
}
