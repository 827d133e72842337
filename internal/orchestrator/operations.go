package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/catalog"
	"github.com/S-Corkum/fitcoach-server/internal/chat"
	"github.com/S-Corkum/fitcoach-server/internal/models"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
	"github.com/S-Corkum/fitcoach-server/internal/resilience"
)

// Feature namespaces. These prefix every cache key and index key.
const (
	FeatureMealPlan = "mealplan"
	FeatureInsight  = "insight"
	FeatureRecipe   = "recipe"
	FeatureSearch   = "search"
)

// Cache TTLs per feature
const (
	mealPlanTTL = 24 * time.Hour
	insightTTL  = 30 * time.Minute
	recipeTTL   = 24 * time.Hour
	searchTTL   = 15 * time.Minute
)

// advisoryCalorieTolerance is how far a generated plan's total calories
// may deviate from the user's target before the artifact is flagged
const advisoryCalorieTolerance = 0.10

var (
	mealPlanCompiled   = compileSchema(mealPlanSchema)
	insightCompiled    = compileSchema(insightSchema)
	recipeCompiled     = compileSchema(recipeSchema)
	searchPageCompiled = compileSchema(searchPageSchema)
)

// Operations bundles the four orchestrated operations, constructed once
// at the composition root
type Operations struct {
	MealPlan *Operation
	Insight  *Operation
	Recipe   *Operation
	Search   *Operation
}

// OperationsConfig tunes the producers
type OperationsConfig struct {
	ModelTimeout   time.Duration `mapstructure:"model_timeout"`
	CatalogTimeout time.Duration `mapstructure:"catalog_timeout"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
}

// NewOperations wires the four operations over the shared cache facade,
// chat model and catalog, with external calls guarded by the breaker
// registry
func NewOperations(facade *cache.Facade, model chat.Model, cat catalog.Catalog, breakers *resilience.Registry, cfg OperationsConfig, logger observability.Logger) *Operations {
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 60 * time.Second
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = 15 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if logger == nil {
		logger = observability.NewLogger("operations")
	}

	complete := func(ctx context.Context, prompt string) (string, error) {
		out, err := breakers.Execute(ctx, resilience.ChatModelBreaker, func() (interface{}, error) {
			return model.Complete(ctx, prompt, cfg.MaxTokens, cfg.Temperature)
		})
		if err != nil {
			return "", err
		}
		return out.(string), nil
	}

	return &Operations{
		MealPlan: newMealPlanOperation(facade, complete, cfg, logger),
		Insight:  newInsightOperation(facade, complete, cfg, logger),
		Recipe:   newRecipeOperation(facade, complete, cfg, logger),
		Search:   newSearchOperation(facade, cat, breakers, cfg, logger),
	}
}

// All returns the operations keyed by kind
func (o *Operations) All() map[models.OperationKind]*Operation {
	return map[models.OperationKind]*Operation{
		models.OperationMealPlan: o.MealPlan,
		models.OperationInsight:  o.Insight,
		models.OperationRecipe:   o.Recipe,
		models.OperationSearch:   o.Search,
	}
}

func newMealPlanOperation(facade *cache.Facade, complete func(context.Context, string) (string, error), cfg OperationsConfig, logger observability.Logger) *Operation {
	return &Operation{
		Kind:         models.OperationMealPlan,
		Feature:      FeatureMealPlan,
		QuotaKind:    quota.KindAIRecipeGeneration,
		Cache:        cache.NewStore[models.Artifact](facade, FeatureMealPlan, mealPlanTTL, logger),
		Source:       models.SourceModel,
		Schema:       mealPlanCompiled,
		ModelTimeout: cfg.ModelTimeout,
		Validate: func(req Request) error {
			days, err := strconv.Atoi(req.Inputs["days"])
			if err != nil || days < 1 || days > 7 {
				return fmt.Errorf("days must be an integer between 1 and 7")
			}
			return nil
		},
		Produce: func(ctx context.Context, req Request, profile *models.UserProfile) (string, error) {
			return complete(ctx, mealPlanPrompt(req, profile))
		},
		Fallback:      mealPlanFallback,
		CheckAdvisory: mealPlanAdvisory,
	}
}

func newInsightOperation(facade *cache.Facade, complete func(context.Context, string) (string, error), cfg OperationsConfig, logger observability.Logger) *Operation {
	return &Operation{
		Kind:         models.OperationInsight,
		Feature:      FeatureInsight,
		QuotaKind:    quota.KindAINutritionAdvice,
		Cache:        cache.NewStore[models.Artifact](facade, FeatureInsight, insightTTL, logger),
		Source:       models.SourceModel,
		Schema:       insightCompiled,
		ModelTimeout: cfg.ModelTimeout,
		Validate: func(req Request) error {
			switch req.Inputs["period"] {
			case "week", "month":
				return nil
			}
			return fmt.Errorf("period must be week or month")
		},
		Produce: func(ctx context.Context, req Request, profile *models.UserProfile) (string, error) {
			return complete(ctx, insightPrompt(req, profile))
		},
		Fallback: insightFallback,
	}
}

func newRecipeOperation(facade *cache.Facade, complete func(context.Context, string) (string, error), cfg OperationsConfig, logger observability.Logger) *Operation {
	return &Operation{
		Kind:         models.OperationRecipe,
		Feature:      FeatureRecipe,
		QuotaKind:    quota.KindAIRecipeGeneration,
		Cache:        cache.NewStore[models.Artifact](facade, FeatureRecipe, recipeTTL, logger),
		Source:       models.SourceModel,
		Schema:       recipeCompiled,
		ModelTimeout: cfg.ModelTimeout,
		Validate: func(req Request) error {
			if strings.TrimSpace(req.Inputs["craving"]) == "" && strings.TrimSpace(req.Inputs["ingredients"]) == "" {
				return fmt.Errorf("either craving or ingredients is required")
			}
			return nil
		},
		Produce: func(ctx context.Context, req Request, profile *models.UserProfile) (string, error) {
			return complete(ctx, recipePrompt(req, profile))
		},
		Fallback: recipeFallback,
	}
}

// The search operation has no quota and no fallback: catalog failures
// surface as upstream unavailability after retries and the breaker.
func newSearchOperation(facade *cache.Facade, cat catalog.Catalog, breakers *resilience.Registry, cfg OperationsConfig, logger observability.Logger) *Operation {
	return &Operation{
		Kind:         models.OperationSearch,
		Feature:      FeatureSearch,
		Cache:        cache.NewStore[models.Artifact](facade, FeatureSearch, searchTTL, logger),
		Source:       models.SourceExternal,
		Schema:       searchPageCompiled,
		ModelTimeout: cfg.CatalogTimeout,
		Validate: func(req Request) error {
			if strings.TrimSpace(req.Inputs["q"]) == "" {
				return fmt.Errorf("q is required")
			}
			switch req.Inputs["kind"] {
			case "recipes", "videos":
			default:
				return fmt.Errorf("kind must be recipes or videos")
			}
			if p := req.Inputs["page"]; p != "" {
				if page, err := strconv.Atoi(p); err != nil || page < 1 {
					return fmt.Errorf("page must be a positive integer")
				}
			}
			return nil
		},
		Produce: func(ctx context.Context, req Request, profile *models.UserProfile) (string, error) {
			page, _ := strconv.Atoi(req.Inputs["page"])
			if page < 1 {
				page = 1
			}
			out, err := breakers.Execute(ctx, resilience.CatalogBreaker, func() (interface{}, error) {
				if req.Inputs["kind"] == "videos" {
					return cat.SearchVideos(ctx, req.Inputs["q"], page)
				}
				return cat.SearchRecipes(ctx, req.Inputs["q"], page)
			})
			if err != nil {
				return "", err
			}
			encoded, err := json.Marshal(out.(*models.SearchPage))
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}
}

// Prompt construction. Every prompt pins the output contract to a
// single JSON object so the sanitizer has something to extract.

func mealPlanPrompt(req Request, profile *models.UserProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a %s-day meal plan for a person with a daily target of %d kcal and %dg protein.\n",
		req.Inputs["days"], profile.CalorieTarget, profile.ProteinTarget)
	writeProfileConstraints(&b, profile)
	if focus := strings.TrimSpace(req.Inputs["focus"]); focus != "" {
		fmt.Fprintf(&b, "Emphasis: %s.\n", focus)
	}
	b.WriteString("Respond with a single JSON object matching this shape and nothing else: ")
	b.WriteString(`{"days":[{"day":1,"meals":[{"name":"...","slot":"breakfast","calories":0,"ingredients":["..."],"steps":["..."]}]}],"totalCalories":0,"proteinGrams":0,"carbGrams":0,"fatGrams":0}`)
	return b.String()
}

func insightPrompt(req Request, profile *models.UserProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize nutrition guidance for the past %s for a person targeting %d kcal and %dg protein per day.\n",
		req.Inputs["period"], profile.CalorieTarget, profile.ProteinTarget)
	writeProfileConstraints(&b, profile)
	b.WriteString("Respond with a single JSON object matching this shape and nothing else: ")
	b.WriteString(`{"summary":"...","observations":["..."],"recommendations":["..."],"focusArea":"..."}`)
	return b.String()
}

func recipePrompt(req Request, profile *models.UserProfile) string {
	var b strings.Builder
	if craving := strings.TrimSpace(req.Inputs["craving"]); craving != "" {
		fmt.Fprintf(&b, "Create a recipe for: %s.\n", craving)
	} else {
		fmt.Fprintf(&b, "Create a recipe using these ingredients: %s.\n", req.Inputs["ingredients"])
	}
	fmt.Fprintf(&b, "It should fit a daily target of %d kcal.\n", profile.CalorieTarget)
	writeProfileConstraints(&b, profile)
	b.WriteString("Respond with a single JSON object matching this shape and nothing else: ")
	b.WriteString(`{"title":"...","servings":0,"calories":0,"proteinGrams":0,"ingredients":["..."],"steps":["..."],"prepMinutes":0}`)
	return b.String()
}

func writeProfileConstraints(b *strings.Builder, profile *models.UserProfile) {
	if profile.DietaryProfile != "" {
		fmt.Fprintf(b, "Dietary profile: %s.\n", profile.DietaryProfile)
	}
	if len(profile.Allergies) > 0 {
		fmt.Fprintf(b, "Strictly exclude these allergens: %s.\n", strings.Join(profile.Allergies, ", "))
	}
}

// mealPlanAdvisory flags plans whose total calories drift too far from
// the user's target. The artifact still ships; the client renders a
// notice.
func mealPlanAdvisory(payload json.RawMessage, profile *models.UserProfile) bool {
	if profile.CalorieTarget <= 0 {
		return false
	}
	var plan models.MealPlan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return false
	}
	target := float64(profile.CalorieTarget)
	drift := float64(plan.TotalCalories) - target
	if drift < 0 {
		drift = -drift
	}
	return drift/target > advisoryCalorieTolerance
}

// Fallback payloads. Deterministic templates built from the profile so
// a degraded model still yields something usable.

func mealPlanFallback(req Request, profile *models.UserProfile) json.RawMessage {
	days, _ := strconv.Atoi(req.Inputs["days"])
	if days < 1 {
		days = 1
	}
	perMeal := profile.CalorieTarget / 3
	if perMeal <= 0 {
		perMeal = 600
	}
	plan := models.MealPlan{
		TotalCalories: perMeal * 3,
		ProteinGrams:  profile.ProteinTarget,
		Notes:         "Automatically generated placeholder plan. Regenerate later for a personalized one.",
	}
	for d := 1; d <= days; d++ {
		plan.Days = append(plan.Days, models.MealPlanDay{
			Day: d,
			Meals: []models.Meal{
				{Name: "Oatmeal with fruit", Slot: "breakfast", Calories: perMeal, Ingredients: []string{"rolled oats", "banana", "milk"}},
				{Name: "Grilled chicken salad", Slot: "lunch", Calories: perMeal, Ingredients: []string{"chicken breast", "mixed greens", "olive oil"}},
				{Name: "Rice bowl with vegetables", Slot: "dinner", Calories: perMeal, Ingredients: []string{"rice", "seasonal vegetables", "tofu"}},
			},
		})
	}
	return mustJSON(plan)
}

func insightFallback(req Request, profile *models.UserProfile) json.RawMessage {
	return mustJSON(models.Insight{
		Summary:         "Personalized insights are temporarily unavailable.",
		Observations:    []string{"Your recent activity could not be analyzed right now."},
		Recommendations: []string{fmt.Sprintf("Keep aiming for %d kcal and %dg protein per day.", profile.CalorieTarget, profile.ProteinTarget)},
	})
}

func recipeFallback(req Request, profile *models.UserProfile) json.RawMessage {
	return mustJSON(models.Recipe{
		Title:        "Simple rice and vegetable bowl",
		Servings:     2,
		Calories:     550,
		ProteinGrams: 20,
		Ingredients:  []string{"1 cup rice", "2 cups mixed vegetables", "1 tbsp olive oil", "protein of choice"},
		Steps:        []string{"Cook the rice.", "Saute the vegetables in olive oil.", "Add protein and season.", "Serve over rice."},
		PrepMinutes:  25,
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("fallback payload failed to marshal: %v", err))
	}
	return data
}
