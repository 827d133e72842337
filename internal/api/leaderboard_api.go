package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/leaderboard"
	"github.com/S-Corkum/fitcoach-server/internal/models"
)

// LeaderboardAPI exposes ranked leaderboard snapshots
type LeaderboardAPI struct {
	boards *leaderboard.SnapshotStore
}

// NewLeaderboardAPI creates the leaderboard API
func NewLeaderboardAPI(boards *leaderboard.SnapshotStore) *LeaderboardAPI {
	return &LeaderboardAPI{boards: boards}
}

// RegisterRoutes registers leaderboard routes on the given router group
func (a *LeaderboardAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/leaderboard/:scope", a.snapshot)
}

func (a *LeaderboardAPI) snapshot(c *gin.Context) {
	scope := models.LeaderboardScope(c.Param("scope"))
	if scope != models.ScopeDaily && scope != models.ScopeWeekly {
		respondError(c, apperrors.New(apperrors.CodeNotFound, "scope must be daily or weekly"))
		return
	}

	snapshot, err := a.boards.Get(c.Request.Context(), scope)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
