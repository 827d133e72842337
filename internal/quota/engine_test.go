package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/clock"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

func setupEngine(t *testing.T, cfg Config) (*Engine, *miniredis.Miniredis, *clock.Manual) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := cache.NewRedisKVStoreFromClient(client)
	t.Cleanup(func() { _ = kv.Close() })

	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	clk := clock.NewManual(time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC))
	engine := NewEngine(kv, cfg, clk, nil, observability.NewNoopMetricsClient())
	return engine, mr, clk
}

func TestEngineCheckAndConsume(t *testing.T) {
	engine, mr, _ := setupEngine(t, Config{})
	ctx := context.Background()
	userID := uuid.New()

	t.Run("Fresh Window", func(t *testing.T) {
		usage, err := engine.Check(ctx, userID, KindAIRecipeGeneration)
		require.NoError(t, err)
		assert.Equal(t, 0, usage.Used)
		assert.Equal(t, 10, usage.Limit)
		assert.Equal(t, 10, usage.Remaining)
		assert.False(t, usage.Exceeded)
	})

	t.Run("Consume Increments", func(t *testing.T) {
		usage, err := engine.Consume(ctx, userID, KindAIRecipeGeneration, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, usage.Used)
		assert.Equal(t, 9, usage.Remaining)
	})

	t.Run("Check Never Mutates", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := engine.Check(ctx, userID, KindAIRecipeGeneration)
			require.NoError(t, err)
		}
		usage, err := engine.Check(ctx, userID, KindAIRecipeGeneration)
		require.NoError(t, err)
		assert.Equal(t, 1, usage.Used)
	})

	t.Run("First Consume Sets Record TTL", func(t *testing.T) {
		k := "quota:AI_RECIPE_GENERATION:" + userID.String() + ":2026-03-11"
		// Window ends at midnight, 14h away, plus 1h grace.
		assert.Equal(t, 15*time.Hour, mr.TTL(k))
	})

	t.Run("Unknown Kind Rejected", func(t *testing.T) {
		_, err := engine.Check(ctx, userID, Kind("BOGUS"))
		assert.Error(t, err)
	})
}

func TestEngineExceeded(t *testing.T) {
	engine, _, _ := setupEngine(t, Config{})
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := engine.Consume(ctx, userID, KindAINutritionAdvice, 1)
		require.NoError(t, err)
	}

	usage, err := engine.Consume(ctx, userID, KindAINutritionAdvice, 1)
	require.Error(t, err)

	exceeded, ok := IsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, KindAINutritionAdvice, exceeded.Usage.Type)
	assert.True(t, usage.Exceeded)

	// The compensating decrement keeps used pinned at the limit.
	after, err := engine.Check(ctx, userID, KindAINutritionAdvice)
	require.NoError(t, err)
	assert.Equal(t, 5, after.Used)
	assert.Equal(t, 0, after.Remaining)
	assert.True(t, after.Exceeded)
}

// expiringKV cancels the caller's context right after the first
// increment returns, simulating a request whose budget is spent by the
// time the overrun is detected
type expiringKV struct {
	cache.KVStore
	cancel context.CancelFunc
	once   sync.Once
}

func (e *expiringKV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := e.KVStore.IncrBy(ctx, key, delta)
	e.once.Do(e.cancel)
	return val, err
}

func TestEngineOverrunRollbackSurvivesSpentContext(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := cache.NewRedisKVStoreFromClient(client)
	t.Cleanup(func() { _ = kv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewManual(time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC))
	engine := NewEngine(&expiringKV{KVStore: kv, cancel: cancel}, Config{Timezone: "UTC"}, clk, nil, observability.NewNoopMetricsClient())

	userID := uuid.New()
	k := "quota:POSE_ANALYSIS:" + userID.String() + ":2026-03-11"
	require.NoError(t, mr.Set(k, "20"))

	_, err = engine.Consume(ctx, userID, KindPoseAnalysis, 1)
	require.Error(t, err)
	_, ok := IsExceeded(err)
	require.True(t, ok)

	// The compensating decrement landed even though the request context
	// was gone by then.
	val, err := mr.Get(k)
	require.NoError(t, err)
	assert.Equal(t, "20", val)
}

func TestEngineConcurrentConsume(t *testing.T) {
	engine, _, _ := setupEngine(t, Config{})
	ctx := context.Background()
	userID := uuid.New()

	const callers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	rejected := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Consume(ctx, userID, KindAIRecipeGeneration, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else if _, ok := IsExceeded(err); ok {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Equal(t, callers-10, rejected)

	usage, err := engine.Check(ctx, userID, KindAIRecipeGeneration)
	require.NoError(t, err)
	assert.Equal(t, 10, usage.Used)
}

func TestEngineWindowRollover(t *testing.T) {
	engine, _, clk := setupEngine(t, Config{})
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := engine.Consume(ctx, userID, KindPoseAnalysis, 1)
		require.NoError(t, err)
	}

	// Next day: the engine reads a fresh key, so usage starts over.
	clk.Advance(24 * time.Hour)

	usage, err := engine.Check(ctx, userID, KindPoseAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
	assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), usage.PeriodStart)
}

func TestEngineBackendFailure(t *testing.T) {
	t.Run("Fail Open Allows", func(t *testing.T) {
		engine, mr, _ := setupEngine(t, Config{OnBackendFailure: FailureModeAllow})
		mr.SetError("LOADING redis is down")

		usage, err := engine.Consume(context.Background(), uuid.New(), KindAIRecipeGeneration, 1)
		require.NoError(t, err)
		assert.True(t, usage.Degraded)
	})

	t.Run("Fail Closed Denies", func(t *testing.T) {
		engine, mr, _ := setupEngine(t, Config{OnBackendFailure: FailureModeDeny})
		mr.SetError("LOADING redis is down")

		_, err := engine.Consume(context.Background(), uuid.New(), KindAIRecipeGeneration, 1)
		require.Error(t, err)
		_, ok := IsExceeded(err)
		assert.True(t, ok)
	})

	t.Run("Check Reports Degraded", func(t *testing.T) {
		engine, mr, _ := setupEngine(t, Config{})
		mr.SetError("LOADING redis is down")

		usage, err := engine.Check(context.Background(), uuid.New(), KindAIRecipeGeneration)
		require.NoError(t, err)
		assert.True(t, usage.Degraded)
		assert.Equal(t, 0, usage.Used)
	})
}

func TestEngineReset(t *testing.T) {
	engine, _, _ := setupEngine(t, Config{})
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 4; i++ {
		_, err := engine.Consume(ctx, userID, KindPoseAnalysis, 1)
		require.NoError(t, err)
	}

	require.NoError(t, engine.Reset(ctx, userID, KindPoseAnalysis))

	usage, err := engine.Check(ctx, userID, KindPoseAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
}

func TestEngineAllUsage(t *testing.T) {
	engine, _, _ := setupEngine(t, Config{})
	ctx := context.Background()
	userID := uuid.New()

	_, err := engine.Consume(ctx, userID, KindAIRecipeGeneration, 1)
	require.NoError(t, err)

	usages, err := engine.AllUsage(ctx, userID)
	require.NoError(t, err)
	require.Len(t, usages, 3)
	assert.Equal(t, 1, usages[KindAIRecipeGeneration].Used)
	assert.Equal(t, 0, usages[KindAINutritionAdvice].Used)
	assert.Equal(t, 0, usages[KindPoseAnalysis].Used)
}
