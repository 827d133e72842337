package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/orchestrator"
)

// OperationsAPI exposes the orchestrated operation endpoints
type OperationsAPI struct {
	orch *orchestrator.Orchestrator
	ops  *orchestrator.Operations
}

// NewOperationsAPI creates the operations API
func NewOperationsAPI(orch *orchestrator.Orchestrator, ops *orchestrator.Operations) *OperationsAPI {
	return &OperationsAPI{orch: orch, ops: ops}
}

// RegisterRoutes registers operation routes on the given router group
func (a *OperationsAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/mealplans/generate", a.generateMealPlan)
	router.POST("/insights/generate", a.generateInsight)
	router.POST("/recipes/generate", a.generateRecipe)
	router.GET("/search", a.search)
}

type mealPlanRequest struct {
	Days  int    `json:"days" binding:"required"`
	Focus string `json:"focus"`
}

func (a *OperationsAPI) generateMealPlan(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	var req mealPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid request body", err))
		return
	}

	a.run(c, a.ops.MealPlan, orchestrator.Request{
		UserID: userID,
		Inputs: map[string]string{
			"days":  strconv.Itoa(req.Days),
			"focus": req.Focus,
		},
	})
}

type insightRequest struct {
	Period string `json:"period" binding:"required"`
}

func (a *OperationsAPI) generateInsight(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	var req insightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid request body", err))
		return
	}

	a.run(c, a.ops.Insight, orchestrator.Request{
		UserID: userID,
		Inputs: map[string]string{"period": req.Period},
	})
}

type recipeRequest struct {
	Craving     string   `json:"craving"`
	Ingredients []string `json:"ingredients"`
}

func (a *OperationsAPI) generateRecipe(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	var req recipeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid request body", err))
		return
	}

	a.run(c, a.ops.Recipe, orchestrator.Request{
		UserID: userID,
		Inputs: map[string]string{
			"craving":     req.Craving,
			"ingredients": strings.Join(req.Ingredients, ", "),
		},
	})
}

func (a *OperationsAPI) search(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}

	kind := c.DefaultQuery("kind", "recipes")
	a.run(c, a.ops.Search, orchestrator.Request{
		UserID: userID,
		Inputs: map[string]string{
			"q":    c.Query("q"),
			"kind": kind,
			"page": c.DefaultQuery("page", "1"),
		},
	})
}

func (a *OperationsAPI) run(c *gin.Context, op *orchestrator.Operation, req orchestrator.Request) {
	artifact, err := a.orch.Run(c.Request.Context(), op, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}
