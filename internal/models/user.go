package models

import (
	"time"

	"github.com/google/uuid"
)

// UserProfile carries the profile fields that feed prompt construction
// and fingerprinting. Revision increments on every profile edit so that
// cached artifacts produced against an older profile miss naturally.
type UserProfile struct {
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	DisplayName    string    `json:"display_name" db:"display_name"`
	Revision       int64     `json:"revision" db:"revision"`
	CalorieTarget  int       `json:"calorie_target" db:"calorie_target"`
	ProteinTarget  int       `json:"protein_target" db:"protein_target"`
	DietaryProfile string    `json:"dietary_profile" db:"dietary_profile"`
	Allergies      []string  `json:"allergies" db:"-"`
	Timezone       string    `json:"timezone" db:"timezone"`
}

// LeaderboardScope identifies a leaderboard window
type LeaderboardScope string

const (
	ScopeDaily  LeaderboardScope = "daily"
	ScopeWeekly LeaderboardScope = "weekly"
)

// LeaderboardEntry is one ranked row of a leaderboard snapshot
type LeaderboardEntry struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Score       int64     `json:"score"`
	Streak      int       `json:"streak"`
	Position    int       `json:"position"`
}

// LeaderboardSnapshot is a point-in-time ranking for one scope.
// Positions are dense 1..N.
type LeaderboardSnapshot struct {
	Scope       LeaderboardScope   `json:"scope"`
	WindowStart time.Time          `json:"window_start"`
	GeneratedAt time.Time          `json:"generated_at"`
	Entries     []LeaderboardEntry `json:"entries"`
}

// LeaderboardRow is the unranked source row read from persistence
type LeaderboardRow struct {
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Score       int64     `json:"score" db:"score"`
	Streak      int       `json:"streak" db:"streak"`
	StreakStart time.Time `json:"streak_start" db:"streak_start"`
}
