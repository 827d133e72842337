package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
)

// QuotaAPI exposes read-only quota usage views
type QuotaAPI struct {
	quotas *quota.Engine
}

// NewQuotaAPI creates the quota API
func NewQuotaAPI(quotas *quota.Engine) *QuotaAPI {
	return &QuotaAPI{quotas: quotas}
}

// RegisterRoutes registers quota routes on the given router group
func (a *QuotaAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/quotas", a.allUsage)
	router.GET("/quotas/:kind", a.usage)
}

func (a *QuotaAPI) allUsage(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}

	usages, err := a.quotas.AllUsage(c.Request.Context(), userID)
	if err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to read quota usage", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": usages})
}

func (a *QuotaAPI) usage(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}

	kind, err := quota.ParseKind(c.Param("kind"))
	if err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodeNotFound, "unknown quota kind", err))
		return
	}

	usage, err := a.quotas.Check(c.Request.Context(), userID, kind)
	if err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to read quota usage", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": usage})
}
