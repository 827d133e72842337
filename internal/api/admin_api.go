package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/leaderboard"
	"github.com/S-Corkum/fitcoach-server/internal/models"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
)

// AdminAPI exposes the operator surface: quota resets and targeted
// cache eviction
type AdminAPI struct {
	quotas *quota.Engine
	facade *cache.Facade
	boards *leaderboard.SnapshotStore
	logger observability.Logger
}

// NewAdminAPI creates the admin API
func NewAdminAPI(quotas *quota.Engine, facade *cache.Facade, boards *leaderboard.SnapshotStore, logger observability.Logger) *AdminAPI {
	if logger == nil {
		logger = observability.NewLogger("api.admin")
	}
	return &AdminAPI{quotas: quotas, facade: facade, boards: boards, logger: logger}
}

// RegisterRoutes registers admin routes on the given router group
func (a *AdminAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/quotas/:kind/reset", a.resetQuota)
	router.POST("/cache/evict", a.evictCache)
	router.POST("/leaderboard/:scope/invalidate", a.invalidateLeaderboard)
}

type resetQuotaRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

func (a *AdminAPI) resetQuota(c *gin.Context) {
	kind, err := quota.ParseKind(c.Param("kind"))
	if err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodeNotFound, "unknown quota kind", err))
		return
	}

	var req resetQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid request body", err))
		return
	}

	if err := a.quotas.Reset(c.Request.Context(), req.UserID, kind); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to reset quota", err))
		return
	}

	a.logger.Info("quota reset", map[string]interface{}{
		"user_id":    req.UserID.String(),
		"quota_kind": string(kind),
	})
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type evictCacheRequest struct {
	Feature string    `json:"feature" binding:"required"`
	UserID  uuid.UUID `json:"user_id" binding:"required"`
}

func (a *AdminAPI) evictCache(c *gin.Context) {
	var req evictCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid request body", err))
		return
	}

	indexKey := cache.IndexKey(req.Feature, req.UserID.String())
	if err := a.facade.InvalidateNamespace(c.Request.Context(), indexKey); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to evict cache namespace", err))
		return
	}

	a.logger.Info("cache namespace evicted", map[string]interface{}{
		"feature": req.Feature,
		"user_id": req.UserID.String(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "evicted"})
}

func (a *AdminAPI) invalidateLeaderboard(c *gin.Context) {
	scope := models.LeaderboardScope(c.Param("scope"))
	if scope != models.ScopeDaily && scope != models.ScopeWeekly {
		respondError(c, apperrors.New(apperrors.CodeNotFound, "scope must be daily or weekly"))
		return
	}

	if err := a.boards.Invalidate(c.Request.Context(), scope); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to invalidate leaderboard", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}
