package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowFor(t *testing.T) {
	loc := time.UTC

	t.Run("Daily Window", func(t *testing.T) {
		now := time.Date(2026, 3, 11, 15, 30, 0, 0, loc)
		w := windowFor(now, WindowDaily, loc)

		assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, loc), w.Start)
		assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, loc), w.End)
	})

	t.Run("Weekly Window Starts Monday", func(t *testing.T) {
		// 2026-03-11 is a Wednesday.
		now := time.Date(2026, 3, 11, 15, 30, 0, 0, loc)
		w := windowFor(now, WindowWeekly, loc)

		assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, loc), w.Start)
		assert.Equal(t, time.Monday, w.Start.Weekday())
		assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, loc), w.End)
	})

	t.Run("Weekly Window On Sunday Belongs To Previous Monday", func(t *testing.T) {
		// 2026-03-15 is a Sunday.
		now := time.Date(2026, 3, 15, 23, 59, 0, 0, loc)
		w := windowFor(now, WindowWeekly, loc)

		assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, loc), w.Start)
	})

	t.Run("Weekly Window On Monday Midnight Opens New Week", func(t *testing.T) {
		now := time.Date(2026, 3, 16, 0, 0, 0, 0, loc)
		w := windowFor(now, WindowWeekly, loc)

		assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, loc), w.Start)
	})
}

func TestQuotaKey(t *testing.T) {
	loc := time.UTC
	w := windowFor(time.Date(2026, 3, 11, 10, 0, 0, 0, loc), WindowDaily, loc)

	got := key(KindAIRecipeGeneration, "user-1", w)
	assert.Equal(t, "quota:AI_RECIPE_GENERATION:user-1:2026-03-11", got)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("POSE_ANALYSIS")
	assert.NoError(t, err)
	assert.Equal(t, KindPoseAnalysis, kind)

	_, err = ParseKind("UNKNOWN")
	assert.Error(t, err)
}
