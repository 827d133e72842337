package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/fitcoach-server/internal/clock"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

// setupFacade creates a facade over a miniredis-backed primary
func setupFacade(t *testing.T, cfg FacadeConfig) (*Facade, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := NewRedisKVStoreFromClient(client)
	t.Cleanup(func() { _ = kv.Close() })

	facade, err := NewFacade(kv, cfg, clock.NewReal(), nil, observability.NewNoopMetricsClient())
	require.NoError(t, err)
	t.Cleanup(facade.Close)
	return facade, mr
}

func TestFacadePutGet(t *testing.T) {
	facade, _ := setupFacade(t, FacadeConfig{})
	ctx := context.Background()

	idx := IndexKey("mealplan", "user1")
	key := Key("mealplan", "user1", "abc")

	t.Run("Miss On Unknown Key", func(t *testing.T) {
		_, ok := facade.Get(ctx, "mealplan", key)
		assert.False(t, ok)
	})

	t.Run("Hit After Put", func(t *testing.T) {
		require.NoError(t, facade.Put(ctx, "mealplan", idx, key, []byte(`{"v":1}`), time.Minute))

		got, ok := facade.Get(ctx, "mealplan", key)
		require.True(t, ok)
		assert.Equal(t, []byte(`{"v":1}`), got)
	})

	t.Run("Put Requires TTL", func(t *testing.T) {
		err := facade.Put(ctx, "mealplan", idx, key, []byte("x"), 0)
		assert.Error(t, err)
	})
}

func TestFacadeNamespaceIndex(t *testing.T) {
	facade, mr := setupFacade(t, FacadeConfig{})
	ctx := context.Background()

	idx := IndexKey("recipe", "user1")
	k1 := Key("recipe", "user1", "h1")
	k2 := Key("recipe", "user1", "h2")
	otherIdx := IndexKey("recipe", "user2")
	otherKey := Key("recipe", "user2", "h3")

	require.NoError(t, facade.Put(ctx, "recipe", idx, k1, []byte("a"), time.Minute))
	require.NoError(t, facade.Put(ctx, "recipe", idx, k2, []byte("b"), time.Minute))
	require.NoError(t, facade.Put(ctx, "recipe", otherIdx, otherKey, []byte("c"), time.Minute))

	t.Run("Index Tracks Entries", func(t *testing.T) {
		members, err := mr.SMembers(idx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{k1, k2}, members)
	})

	t.Run("InvalidateEntry Removes One", func(t *testing.T) {
		require.NoError(t, facade.InvalidateEntry(ctx, idx, k1))

		_, ok := facade.Get(ctx, "recipe", k1)
		assert.False(t, ok)
		_, ok = facade.Get(ctx, "recipe", k2)
		assert.True(t, ok)
	})

	t.Run("InvalidateNamespace Removes All And Index", func(t *testing.T) {
		require.NoError(t, facade.InvalidateNamespace(ctx, idx))

		_, ok := facade.Get(ctx, "recipe", k2)
		assert.False(t, ok)
		assert.False(t, mr.Exists(idx))

		// Other users' entries are untouched.
		_, ok = facade.Get(ctx, "recipe", otherKey)
		assert.True(t, ok)
	})
}

func TestFacadeDegradedMode(t *testing.T) {
	facade, mr := setupFacade(t, FacadeConfig{RecoveryInterval: 20 * time.Millisecond})
	ctx := context.Background()

	idx := IndexKey("insight", "user1")
	key := Key("insight", "user1", "h1")

	require.NoError(t, facade.Put(ctx, "insight", idx, key, []byte("cached"), time.Minute))

	mr.SetError("LOADING redis is down")

	t.Run("Get Falls Back When Primary Errors", func(t *testing.T) {
		got, ok := facade.Get(ctx, "insight", key)
		require.True(t, ok)
		assert.Equal(t, []byte("cached"), got)
		assert.True(t, facade.Degraded())
	})

	t.Run("Put Buffers And Still Serves", func(t *testing.T) {
		key2 := Key("insight", "user1", "h2")
		require.NoError(t, facade.Put(ctx, "insight", idx, key2, []byte("buffered"), time.Minute))

		got, ok := facade.Get(ctx, "insight", key2)
		require.True(t, ok)
		assert.Equal(t, []byte("buffered"), got)
	})

	t.Run("Recovery Flushes Buffered Writes", func(t *testing.T) {
		mr.SetError("")

		require.Eventually(t, func() bool {
			return !facade.Degraded()
		}, 2*time.Second, 10*time.Millisecond)

		key2 := Key("insight", "user1", "h2")
		got, err := mr.Get(key2)
		require.NoError(t, err)
		assert.Equal(t, "buffered", got)
	})
}

func TestFacadeDirtyNamespace(t *testing.T) {
	facade, mr := setupFacade(t, FacadeConfig{})
	ctx := context.Background()

	idx := IndexKey("search", "user1")
	key := Key("search", "user1", "h1")

	require.NoError(t, facade.Put(ctx, "search", idx, key, []byte("page"), time.Minute))

	mr.SetError("LOADING redis is down")
	err := facade.InvalidateNamespace(ctx, idx)
	require.Error(t, err)

	// Failed bulk invalidation marks the namespace dirty; reads miss even
	// though the fallback still holds the entry.
	_, ok := facade.Get(ctx, "search", key)
	assert.False(t, ok)

	// A fresh write does not clear the dirty flag: the namespace may
	// still hold stale entries the invalidation never reached.
	mr.SetError("")
	require.NoError(t, facade.Put(ctx, "search", idx, key, []byte("fresh"), time.Minute))
	_, ok = facade.Get(ctx, "search", key)
	assert.False(t, ok)

	// Only a successful invalidation clears it.
	require.NoError(t, facade.InvalidateNamespace(ctx, idx))
	require.NoError(t, facade.Put(ctx, "search", idx, key, []byte("fresh"), time.Minute))
	got, ok := facade.Get(ctx, "search", key)
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), got)
}

func TestMemoryTierExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	tier, err := newMemoryTier(10, clk)
	require.NoError(t, err)

	tier.set("k", []byte("v"), time.Minute)

	_, ok := tier.get("k")
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)
	_, ok = tier.get("k")
	assert.False(t, ok)
}

func TestMemoryTierPendingBound(t *testing.T) {
	clk := clock.NewManual(time.Now())
	tier, err := newMemoryTier(3, clk)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tier.bufferWrite(pendingWrite{key: Key("f", "u", string(rune('a'+i)))})
	}

	drained := tier.drainPending()
	require.Len(t, drained, 3)
	// Oldest writes were dropped to make room.
	assert.Equal(t, Key("f", "u", "c"), drained[0].key)
	assert.Equal(t, Key("f", "u", "e"), drained[2].key)
}

func TestIndexKeyOf(t *testing.T) {
	assert.Equal(t, "mealplan:idx:user1", indexKeyOf("mealplan", "mealplan:user1:abc123"))
	assert.Equal(t, "search:idx:u", indexKeyOf("search", "search:u"))
}
