// Package leaderboard serves ranked daily and weekly activity
// snapshots. Snapshots are expensive aggregate queries, so they are
// cached and recomputed at most once per freshness window, with
// concurrent recomputes coalesced.
package leaderboard

import (
	"context"
	"sort"
	"time"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/clock"
	"github.com/S-Corkum/fitcoach-server/internal/flight"
	"github.com/S-Corkum/fitcoach-server/internal/models"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
	"github.com/S-Corkum/fitcoach-server/internal/persistence"
)

const namespace = "leaderboard"

// Config tunes snapshot freshness per scope
type Config struct {
	DailyFreshness  time.Duration `mapstructure:"daily_freshness"`
	WeeklyFreshness time.Duration `mapstructure:"weekly_freshness"`
	Timezone        string        `mapstructure:"timezone"`
}

// SnapshotStore computes, caches and serves leaderboard snapshots
type SnapshotStore struct {
	store   persistence.Store
	cache   *cache.Store[models.LeaderboardSnapshot]
	flight  *flight.Coordinator
	clock   clock.Clock
	config  Config
	loc     *time.Location
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a snapshot store. The cache TTL is twice the freshness
// window so a stale snapshot survives long enough to serve while a
// recompute fails.
func New(store persistence.Store, facade *cache.Facade, coordinator *flight.Coordinator, clk clock.Clock, config Config, logger observability.Logger, metrics observability.MetricsClient) *SnapshotStore {
	if config.DailyFreshness <= 0 {
		config.DailyFreshness = 5 * time.Minute
	}
	if config.WeeklyFreshness <= 0 {
		config.WeeklyFreshness = 15 * time.Minute
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = observability.NewLogger("leaderboard")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	loc := time.Local
	if config.Timezone != "" {
		if parsed, err := time.LoadLocation(config.Timezone); err == nil {
			loc = parsed
		} else {
			logger.Warn("invalid leaderboard timezone, using server local", map[string]interface{}{
				"timezone": config.Timezone,
				"error":    err.Error(),
			})
		}
	}

	maxFreshness := config.DailyFreshness
	if config.WeeklyFreshness > maxFreshness {
		maxFreshness = config.WeeklyFreshness
	}

	return &SnapshotStore{
		store:   store,
		cache:   cache.NewStore[models.LeaderboardSnapshot](facade, namespace, 2*maxFreshness, logger),
		flight:  coordinator,
		clock:   clk,
		config:  config,
		loc:     loc,
		logger:  logger,
		metrics: metrics,
	}
}

// Get returns the snapshot for one scope, recomputing when the cached
// copy is older than the scope's freshness window. A recompute failure
// with a stale snapshot in hand serves the stale copy.
func (s *SnapshotStore) Get(ctx context.Context, scope models.LeaderboardScope) (*models.LeaderboardSnapshot, error) {
	freshness := s.freshnessFor(scope)
	now := s.clock.Now().In(s.loc)
	windowStart := s.windowStart(scope, now)

	entryKey := cache.Key(namespace, string(scope), windowStart.Format("2006-01-02"))
	indexKey := cache.IndexKey(namespace, string(scope))

	cached := s.cache.Get(ctx, entryKey)
	if cached != nil && now.Sub(cached.GeneratedAt) <= freshness {
		s.metrics.IncrementCounterWithLabels("leaderboard.access", 1, map[string]string{
			"scope": string(scope), "result": "fresh",
		})
		return cached, nil
	}

	val, err, _ := s.flight.Execute(ctx, entryKey, func(prodCtx context.Context) (interface{}, error) {
		return s.recompute(prodCtx, scope, windowStart, entryKey, indexKey)
	})
	if err != nil {
		if cached != nil {
			s.logger.Warn("leaderboard recompute failed, serving stale snapshot", map[string]interface{}{
				"scope": string(scope),
				"error": err.Error(),
			})
			s.metrics.IncrementCounterWithLabels("leaderboard.access", 1, map[string]string{
				"scope": string(scope), "result": "stale",
			})
			return cached, nil
		}
		return nil, err
	}

	s.metrics.IncrementCounterWithLabels("leaderboard.access", 1, map[string]string{
		"scope": string(scope), "result": "recomputed",
	})
	return val.(*models.LeaderboardSnapshot), nil
}

// Invalidate drops the cached snapshots for one scope so the next read
// recomputes
func (s *SnapshotStore) Invalidate(ctx context.Context, scope models.LeaderboardScope) error {
	return s.cache.InvalidateNamespace(ctx, cache.IndexKey(namespace, string(scope)))
}

func (s *SnapshotStore) recompute(ctx context.Context, scope models.LeaderboardScope, windowStart time.Time, entryKey, indexKey string) (*models.LeaderboardSnapshot, error) {
	rows, err := s.store.LeaderboardRows(ctx, scope, windowStart)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to read leaderboard rows", err)
	}

	snapshot := &models.LeaderboardSnapshot{
		Scope:       scope,
		WindowStart: windowStart,
		GeneratedAt: s.clock.Now().In(s.loc),
		Entries:     Rank(rows),
	}

	if err := s.cache.Put(ctx, indexKey, entryKey, snapshot); err != nil {
		s.logger.Warn("failed to cache leaderboard snapshot", map[string]interface{}{
			"scope": string(scope),
			"error": err.Error(),
		})
	}
	return snapshot, nil
}

// Rank orders rows into dense positions 1..N: score descending, then
// earlier streak start, then user id for a total order
func Rank(rows []models.LeaderboardRow) []models.LeaderboardEntry {
	sorted := make([]models.LeaderboardRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if !sorted[i].StreakStart.Equal(sorted[j].StreakStart) {
			return sorted[i].StreakStart.Before(sorted[j].StreakStart)
		}
		return sorted[i].UserID.String() < sorted[j].UserID.String()
	})

	entries := make([]models.LeaderboardEntry, len(sorted))
	for i, row := range sorted {
		entries[i] = models.LeaderboardEntry{
			UserID:      row.UserID,
			DisplayName: row.DisplayName,
			Score:       row.Score,
			Streak:      row.Streak,
			Position:    i + 1,
		}
	}
	return entries
}

func (s *SnapshotStore) freshnessFor(scope models.LeaderboardScope) time.Duration {
	if scope == models.ScopeWeekly {
		return s.config.WeeklyFreshness
	}
	return s.config.DailyFreshness
}

// windowStart aligns to midnight for daily and Monday midnight for
// weekly, in the configured timezone
func (s *SnapshotStore) windowStart(scope models.LeaderboardScope, now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if scope == models.ScopeWeekly {
		offset := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	}
	return midnight
}
