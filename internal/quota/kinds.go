// Package quota enforces per-user rate caps on expensive operations,
// aligned to calendar windows. Counters live in the networked KV store
// under quota:<kind>:<user_id>:<window_start> keys; atomicity comes
// from the store's INCRBY.
package quota

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a quota-metered operation class
type Kind string

const (
	// KindAIRecipeGeneration covers meal-plan and recipe generation
	KindAIRecipeGeneration Kind = "AI_RECIPE_GENERATION"

	// KindAINutritionAdvice covers nutrition-insight generation
	KindAINutritionAdvice Kind = "AI_NUTRITION_ADVICE"

	// KindPoseAnalysis covers workout pose analysis
	KindPoseAnalysis Kind = "POSE_ANALYSIS"
)

// WindowRule describes how a kind's usage window aligns to the calendar
type WindowRule string

const (
	// WindowDaily resets at 00:00 local time
	WindowDaily WindowRule = "daily"

	// WindowWeekly resets Monday 00:00 local time
	WindowWeekly WindowRule = "weekly"
)

// Policy is the per-kind cap and window rule. Policy is code, not data.
type Policy struct {
	Limit  int
	Window WindowRule
}

var policies = map[Kind]Policy{
	KindAIRecipeGeneration: {Limit: 10, Window: WindowDaily},
	KindAINutritionAdvice:  {Limit: 5, Window: WindowWeekly},
	KindPoseAnalysis:       {Limit: 20, Window: WindowDaily},
}

// Kinds returns all known quota kinds in stable order
func Kinds() []Kind {
	return []Kind{KindAIRecipeGeneration, KindAINutritionAdvice, KindPoseAnalysis}
}

// ParseKind validates a kind string
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := policies[k]; !ok {
		return "", fmt.Errorf("unknown quota kind: %s", s)
	}
	return k, nil
}

// PolicyFor returns the policy for a kind
func PolicyFor(kind Kind) (Policy, error) {
	p, ok := policies[kind]
	if !ok {
		return Policy{}, fmt.Errorf("unknown quota kind: %s", kind)
	}
	return p, nil
}

// Usage is the caller-visible view of one quota window
type Usage struct {
	Type        Kind      `json:"type"`
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	ResetsAt    time.Time `json:"resetsAt"`
	Exceeded    bool      `json:"exceeded"`
	Degraded    bool      `json:"degraded,omitempty"`
}

// ExceededError is returned by Consume when the cap is hit. Carrying
// the usage lets every call site react to the exceed branch explicitly.
type ExceededError struct {
	Usage Usage
}

// Error returns a string representation of the error
func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d used, resets at %s",
		e.Usage.Type, e.Usage.Used, e.Usage.Limit, e.Usage.ResetsAt.Format(time.RFC3339))
}

// IsExceeded reports whether err is a quota-exceeded rejection
func IsExceeded(err error) (*ExceededError, bool) {
	var e *ExceededError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
