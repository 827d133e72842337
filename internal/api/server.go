// Package api exposes the HTTP surface: orchestrated operation
// endpoints, quota views, leaderboards, the admin surface and health.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/leaderboard"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
	"github.com/S-Corkum/fitcoach-server/internal/orchestrator"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
)

// Server represents the API server
type Server struct {
	router *gin.Engine
	server *http.Server
	config Config
	logger observability.Logger

	orch   *orchestrator.Orchestrator
	ops    *orchestrator.Operations
	quotas *quota.Engine
	boards *leaderboard.SnapshotStore
	facade *cache.Facade
	kv     cache.KVStore
}

// NewServer creates a new API server
func NewServer(orch *orchestrator.Orchestrator, ops *orchestrator.Operations, quotas *quota.Engine, boards *leaderboard.SnapshotStore, facade *cache.Facade, kv cache.KVStore, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Server {
	if logger == nil {
		logger = observability.NewLogger("api")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.LogRequests {
		router.Use(RequestLogger(logger))
	}
	router.Use(MetricsMiddleware(metrics))
	if cfg.RateLimit.Enabled {
		router.Use(RateLimiter(cfg.RateLimit))
	}
	if cfg.EnableCORS {
		router.Use(CORSMiddleware())
	}

	server := &Server{
		router: router,
		config: cfg,
		logger: logger,
		orch:   orch,
		ops:    ops,
		quotas: quotas,
		boards: boards,
		facade: facade,
		kv:     kv,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes initializes all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)

	basePath := s.config.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	v1 := s.router.Group(basePath)

	operationsAPI := NewOperationsAPI(s.orch, s.ops)
	operationsAPI.RegisterRoutes(v1)

	quotaAPI := NewQuotaAPI(s.quotas)
	quotaAPI.RegisterRoutes(v1)

	leaderboardAPI := NewLeaderboardAPI(s.boards)
	leaderboardAPI.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(AdminAuthMiddleware(s.config.AdminToken))
	adminAPI := NewAdminAPI(s.quotas, s.facade, s.boards, s.logger)
	adminAPI.RegisterRoutes(admin)
}

// Start starts the API server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// healthHandler reports component health. A degraded cache keeps the
// server healthy; only an unreachable primary with no fallback would
// take the service down, and the facade never allows that.
func (s *Server) healthHandler(c *gin.Context) {
	components := gin.H{
		"cache": "healthy",
	}
	status := http.StatusOK

	if err := s.kv.Ping(c.Request.Context()); err != nil {
		components["cache"] = "degraded (fallback tier active)"
	} else if s.facade.Degraded() {
		components["cache"] = "recovering"
	}

	c.JSON(status, gin.H{
		"status":     "healthy",
		"components": components,
	})
}
