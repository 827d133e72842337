package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/clock"
	"github.com/S-Corkum/fitcoach-server/internal/flight"
	"github.com/S-Corkum/fitcoach-server/internal/models"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
	"github.com/S-Corkum/fitcoach-server/internal/persistence"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
)

// fakeStore is an in-memory persistence.Store
type fakeStore struct {
	mu        sync.Mutex
	profiles  map[uuid.UUID]*models.UserProfile
	artifacts map[uuid.UUID]*models.Artifact
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:  make(map[uuid.UUID]*models.UserProfile),
		artifacts: make(map[uuid.UUID]*models.Artifact),
	}
}

func (s *fakeStore) SaveArtifact(ctx context.Context, artifact *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.artifacts[artifact.ID] = artifact
	return nil
}

func (s *fakeStore) GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return artifact, nil
}

func (s *fakeStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return profile, nil
}

func (s *fakeStore) LeaderboardRows(ctx context.Context, scope models.LeaderboardScope, windowStart time.Time) ([]models.LeaderboardRow, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) artifactCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// pipelineHarness wires a full orchestrator over miniredis with a
// stubbed producer
type pipelineHarness struct {
	orch    *Orchestrator
	op      *Operation
	store   *fakeStore
	quotas  *quota.Engine
	mr      *miniredis.Miniredis
	clk     *clock.Manual
	userID  uuid.UUID
	calls   int32
	produce func(ctx context.Context) (string, error)
}

const validInsight = `{"summary":"steady week","observations":["protein on target"],"recommendations":["add fiber"]}`

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := cache.NewRedisKVStoreFromClient(client)
	t.Cleanup(func() { _ = kv.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC))
	metrics := observability.NewNoopMetricsClient()

	facade, err := cache.NewFacade(kv, cache.FacadeConfig{}, clk, nil, metrics)
	require.NoError(t, err)
	t.Cleanup(facade.Close)

	store := newFakeStore()
	userID := uuid.New()
	store.profiles[userID] = &models.UserProfile{
		UserID:        userID,
		DisplayName:   "Test User",
		Revision:      1,
		CalorieTarget: 2000,
		ProteinTarget: 120,
		Timezone:      "UTC",
	}

	quotas := quota.NewEngine(kv, quota.Config{Timezone: "UTC"}, clk, nil, metrics)
	coordinator := flight.NewCoordinator(5*time.Second, nil, metrics)

	h := &pipelineHarness{
		store:  store,
		quotas: quotas,
		mr:     mr,
		clk:    clk,
		userID: userID,
		produce: func(ctx context.Context) (string, error) {
			return validInsight, nil
		},
	}

	h.op = &Operation{
		Kind:         models.OperationInsight,
		Feature:      FeatureInsight,
		QuotaKind:    quota.KindAINutritionAdvice,
		Cache:        cache.NewStore[models.Artifact](facade, FeatureInsight, time.Hour, nil),
		Source:       models.SourceModel,
		Schema:       insightCompiled,
		ModelTimeout: time.Second,
		Produce: func(ctx context.Context, req Request, profile *models.UserProfile) (string, error) {
			atomic.AddInt32(&h.calls, 1)
			return h.produce(ctx)
		},
		Fallback: insightFallback,
	}

	h.orch = New(store, quotas, coordinator, clk, Config{}, nil, metrics)
	return h
}

func (h *pipelineHarness) run(t *testing.T) (*models.Artifact, error) {
	t.Helper()
	return h.orch.Run(context.Background(), h.op, Request{
		UserID: h.userID,
		Inputs: map[string]string{"period": "week"},
	})
}

func (h *pipelineHarness) used(t *testing.T) int {
	t.Helper()
	usage, err := h.quotas.Check(context.Background(), h.userID, quota.KindAINutritionAdvice)
	require.NoError(t, err)
	return usage.Used
}

func TestPipelineSuccess(t *testing.T) {
	h := newPipelineHarness(t)

	artifact, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, models.SourceModel, artifact.Source)
	assert.Equal(t, models.OperationInsight, artifact.Operation)
	assert.JSONEq(t, validInsight, string(artifact.Payload))
	assert.Equal(t, 1, h.used(t))
	assert.Equal(t, 1, h.store.artifactCount())
}

func TestPipelineCacheHitSkipsQuota(t *testing.T) {
	h := newPipelineHarness(t)

	first, err := h.run(t)
	require.NoError(t, err)
	require.Equal(t, 1, h.used(t))

	second, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, models.SourceCache, second.Source)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.calls))
	// The hit never touched the quota.
	assert.Equal(t, 1, h.used(t))
}

func TestPipelineQuotaExceeded(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.quotas.Consume(ctx, h.userID, quota.KindAINutritionAdvice, 1)
		require.NoError(t, err)
	}

	_, err := h.run(t)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeQuotaExceeded, apperrors.CodeOf(err))

	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	usage, ok := appErr.Details["quotaUsage"].(quota.Usage)
	require.True(t, ok)
	assert.Equal(t, 5, usage.Used)
	assert.Equal(t, 0, usage.Remaining)

	// The rejection happened before any model call.
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.calls))
}

func TestPipelineFallbackOnModelFailure(t *testing.T) {
	h := newPipelineHarness(t)
	h.produce = func(ctx context.Context) (string, error) {
		return "", errors.New("model down")
	}

	artifact, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, models.SourceFallback, artifact.Source)
	// The fallback consumed no quota but was persisted and cached.
	assert.Equal(t, 0, h.used(t))
	assert.Equal(t, 1, h.store.artifactCount())

	fp := NewFingerprint(h.userID, models.OperationInsight, 1, map[string]string{"period": "week"})
	entryKey := cache.Key(FeatureInsight, h.userID.String(), fp.Hash)
	// Fallback artifacts live a quarter of the normal TTL.
	assert.Equal(t, 15*time.Minute, h.mr.TTL(entryKey))
}

func TestPipelineFallbackOnMalformedOutput(t *testing.T) {
	h := newPipelineHarness(t)
	h.produce = func(ctx context.Context) (string, error) {
		return "I'd be happy to help! Just not with JSON today.", nil
	}

	artifact, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.SourceFallback, artifact.Source)
	assert.Equal(t, 0, h.used(t))
}

func TestPipelineCachedFallbackRetriesModel(t *testing.T) {
	h := newPipelineHarness(t)
	h.produce = func(ctx context.Context) (string, error) {
		return "", errors.New("model down")
	}

	first, err := h.run(t)
	require.NoError(t, err)
	require.Equal(t, models.SourceFallback, first.Source)
	require.Equal(t, int32(1), atomic.LoadInt32(&h.calls))

	// The cached fallback does not satisfy the next request; the model
	// is retried and its artifact replaces the fallback entry.
	h.produce = func(ctx context.Context) (string, error) {
		return validInsight, nil
	}

	second, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.SourceModel, second.Source)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.calls))
	assert.Equal(t, 1, h.used(t))

	third, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, third.Source)
	assert.Equal(t, second.ID, third.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.calls))
}

func TestPipelineCachedFallbackServedOnRepeatFailure(t *testing.T) {
	h := newPipelineHarness(t)
	h.produce = func(ctx context.Context) (string, error) {
		return "", errors.New("model down")
	}

	first, err := h.run(t)
	require.NoError(t, err)
	require.Equal(t, models.SourceFallback, first.Source)
	require.Equal(t, 1, h.store.artifactCount())

	second, err := h.run(t)
	require.NoError(t, err)

	// The retry happened, failed again, and the cached fallback was
	// served without minting a second artifact.
	assert.Equal(t, models.SourceFallback, second.Source)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.calls))
	assert.Equal(t, 1, h.store.artifactCount())
	assert.Equal(t, 0, h.used(t))
}

func TestPipelineMalformedSurfacesWithoutFallback(t *testing.T) {
	h := newPipelineHarness(t)
	h.op.Fallback = nil
	h.produce = func(ctx context.Context) (string, error) {
		return `{"summary": 42}`, nil
	}

	_, err := h.run(t)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeModelMalformed, apperrors.CodeOf(err))
	assert.Equal(t, 0, h.used(t))
	assert.Equal(t, 0, h.store.artifactCount())
}

func TestPipelinePersistenceFailure(t *testing.T) {
	h := newPipelineHarness(t)
	h.store.saveErr = errors.New("db down")

	_, err := h.run(t)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePersistenceFailed, apperrors.CodeOf(err))

	// Nothing was cached: a later request must regenerate.
	fp := NewFingerprint(h.userID, models.OperationInsight, 1, map[string]string{"period": "week"})
	entryKey := cache.Key(FeatureInsight, h.userID.String(), fp.Hash)
	assert.False(t, h.mr.Exists(entryKey))
}

func TestPipelineValidation(t *testing.T) {
	h := newPipelineHarness(t)
	h.op.Validate = func(req Request) error {
		return errors.New("period is required")
	}

	_, err := h.run(t)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidationFailed, apperrors.CodeOf(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.calls))
}

func TestPipelineUnknownUser(t *testing.T) {
	h := newPipelineHarness(t)

	_, err := h.orch.Run(context.Background(), h.op, Request{
		UserID: uuid.New(),
		Inputs: map[string]string{"period": "week"},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidationFailed, apperrors.CodeOf(err))
}

func TestPipelineProfileRevisionDrift(t *testing.T) {
	h := newPipelineHarness(t)

	_, err := h.run(t)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&h.calls))

	// A profile edit bumps the revision; the next request misses the
	// cache naturally and regenerates.
	h.store.mu.Lock()
	h.store.profiles[h.userID].Revision = 2
	h.store.mu.Unlock()

	artifact, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.SourceModel, artifact.Source)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.calls))
}

func TestPipelineConcurrentRequestsCoalesce(t *testing.T) {
	h := newPipelineHarness(t)

	release := make(chan struct{})
	h.produce = func(ctx context.Context) (string, error) {
		<-release
		return validInsight, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*models.Artifact, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.run(t)
		}(i)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.calls) == 1
	}, 2*time.Second, time.Millisecond)
	// Let the remaining callers attach as followers before releasing.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}
	// One model call, one quota unit, one persisted artifact.
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.calls))
	assert.Equal(t, 1, h.used(t))
	assert.Equal(t, 1, h.store.artifactCount())
}

func TestPipelineConsumeRaceReturnsUncached(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	// Leave exactly one unit; another session grabs it mid-generation.
	for i := 0; i < 4; i++ {
		_, err := h.quotas.Consume(ctx, h.userID, quota.KindAINutritionAdvice, 1)
		require.NoError(t, err)
	}
	h.produce = func(prodCtx context.Context) (string, error) {
		if _, err := h.quotas.Consume(ctx, h.userID, quota.KindAINutritionAdvice, 1); err != nil {
			return "", err
		}
		return validInsight, nil
	}

	artifact, err := h.run(t)
	require.NoError(t, err)

	// The caller still gets the artifact it paid latency for, but it was
	// neither persisted nor cached.
	assert.Equal(t, models.SourceModel, artifact.Source)
	assert.Equal(t, 0, h.store.artifactCount())

	fp := NewFingerprint(h.userID, models.OperationInsight, 1, map[string]string{"period": "week"})
	entryKey := cache.Key(FeatureInsight, h.userID.String(), fp.Hash)
	assert.False(t, h.mr.Exists(entryKey))
}

func TestMealPlanAdvisory(t *testing.T) {
	profile := &models.UserProfile{CalorieTarget: 2000}

	within := mustJSON(models.MealPlan{TotalCalories: 2100, Days: []models.MealPlanDay{{Day: 1}}})
	assert.False(t, mealPlanAdvisory(within, profile))

	over := mustJSON(models.MealPlan{TotalCalories: 2500, Days: []models.MealPlanDay{{Day: 1}}})
	assert.True(t, mealPlanAdvisory(over, profile))

	under := mustJSON(models.MealPlan{TotalCalories: 1500, Days: []models.MealPlanDay{{Day: 1}}})
	assert.True(t, mealPlanAdvisory(under, profile))

	assert.False(t, mealPlanAdvisory(json.RawMessage(`{`), profile))
}

func TestFallbackPayloadsValidate(t *testing.T) {
	profile := &models.UserProfile{CalorieTarget: 2100, ProteinTarget: 130}

	t.Run("Meal Plan", func(t *testing.T) {
		payload := mealPlanFallback(Request{Inputs: map[string]string{"days": "3"}}, profile)
		assert.NoError(t, validatePayload(mealPlanCompiled, payload))

		var plan models.MealPlan
		require.NoError(t, json.Unmarshal(payload, &plan))
		assert.Len(t, plan.Days, 3)
	})

	t.Run("Insight", func(t *testing.T) {
		payload := insightFallback(Request{}, profile)
		assert.NoError(t, validatePayload(insightCompiled, payload))
	})

	t.Run("Recipe", func(t *testing.T) {
		payload := recipeFallback(Request{}, profile)
		assert.NoError(t, validatePayload(recipeCompiled, payload))
	})
}
