package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/S-Corkum/fitcoach-server/internal/clock"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

// FacadeConfig holds configuration for the two-tier cache facade
type FacadeConfig struct {
	// OpTimeout bounds every primary-tier call. On expiry the call is
	// treated as a miss and a degraded-mode event is recorded.
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	// FallbackMaxEntries bounds the in-process tier (LRU eviction)
	FallbackMaxEntries int `mapstructure:"fallback_max_entries"`

	// DirtyTTL bounds how long a namespace stays dirty after a failed
	// bulk invalidation
	DirtyTTL time.Duration `mapstructure:"dirty_ttl"`

	// RecoveryInterval is how often the facade probes an unreachable
	// primary
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
}

// DefaultFacadeConfig returns the default facade configuration
func DefaultFacadeConfig() FacadeConfig {
	return FacadeConfig{
		OpTimeout:          150 * time.Millisecond,
		FallbackMaxEntries: 10000,
		DirtyTTL:           15 * time.Minute,
		RecoveryInterval:   5 * time.Second,
	}
}

// Facade is a uniform cache API over two tiers: a networked KV store
// (primary) and a bounded in-process map (fallback), with
// namespace-grouped bulk invalidation.
//
// Failure semantics: Get never returns an error; primary failures
// degrade to the fallback tier. Put succeeds iff at least one tier
// accepted the write. Invalidations succeed iff both tiers report
// removal or absence.
//
// Facade is safe for concurrent use.
type Facade struct {
	primary  KVStore
	fallback *memoryTier
	config   FacadeConfig
	clock    clock.Clock
	logger   observability.Logger
	metrics  observability.MetricsClient

	degraded atomic.Bool

	recoveryMu      sync.Mutex
	recoveryRunning bool
	stopCh          chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

// NewFacade creates a new two-tier cache facade
func NewFacade(primary KVStore, config FacadeConfig, clk clock.Clock, logger observability.Logger, metrics observability.MetricsClient) (*Facade, error) {
	if config.OpTimeout <= 0 {
		config.OpTimeout = 150 * time.Millisecond
	}
	if config.FallbackMaxEntries <= 0 {
		config.FallbackMaxEntries = 10000
	}
	if config.DirtyTTL <= 0 {
		config.DirtyTTL = 15 * time.Minute
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = observability.NewLogger("cache.facade")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	fallback, err := newMemoryTier(config.FallbackMaxEntries, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback tier: %w", err)
	}

	return &Facade{
		primary:  primary,
		fallback: fallback,
		config:   config,
		clock:    clk,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}, nil
}

// Degraded reports whether the facade is currently operating without
// its primary tier
func (f *Facade) Degraded() bool {
	return f.degraded.Load()
}

// Get retrieves an entry. Primary first; on primary error, timeout or
// miss it consults the fallback tier. Get never fails: all errors
// degrade to a miss.
func (f *Facade) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	start := time.Now()
	defer func() {
		f.metrics.RecordTimer("cache.op.duration", time.Since(start), map[string]string{
			"namespace": namespace,
			"op":        "get",
		})
	}()

	if f.fallback.isDirty(indexKeyOf(namespace, key)) || f.fallback.isDirty(namespace) {
		f.recordAccess(namespace, "false")
		return nil, false
	}

	opCtx, cancel := context.WithTimeout(ctx, f.config.OpTimeout)
	defer cancel()

	value, err := f.primary.Get(opCtx, key)
	if err == nil {
		f.recordAccess(namespace, "true")
		return value, true
	}
	if err != ErrNotFound {
		f.enterDegraded("get", err)
		f.recordAccess(namespace, "degraded")
		if v, ok := f.fallback.get(key); ok {
			return v, true
		}
		return nil, false
	}

	// Primary miss: the fallback may still hold an entry written during
	// a previous outage whose replay has not landed yet.
	if v, ok := f.fallback.get(key); ok {
		f.recordAccess(namespace, "true")
		return v, true
	}
	f.recordAccess(namespace, "false")
	return nil, false
}

// Put writes an entry to the primary with its TTL, registers the key in
// the namespace index for indexKey, and mirrors the entry to the
// fallback tier. TTL is mandatory.
func (f *Facade) Put(ctx context.Context, namespace, indexKey, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache put requires a positive ttl, got %v", ttl)
	}

	start := time.Now()
	defer func() {
		f.metrics.RecordTimer("cache.op.duration", time.Since(start), map[string]string{
			"namespace": namespace,
			"op":        "put",
		})
	}()

	opCtx, cancel := context.WithTimeout(ctx, f.config.OpTimeout)
	defer cancel()

	err := f.primary.Set(opCtx, key, value, ttl)
	if err == nil {
		if idxErr := f.primary.SAdd(opCtx, indexKey, key); idxErr != nil {
			f.logger.Warn("failed to register key in namespace index", map[string]interface{}{
				"index_key": indexKey,
				"error":     idxErr.Error(),
			})
		}
	} else {
		f.enterDegraded("put", err)
		f.fallback.bufferWrite(pendingWrite{
			indexKey: indexKey,
			key:      key,
			value:    value,
			ttl:      ttl,
			queuedAt: f.clock.Now(),
		})
	}

	// Primary writes happen-before the fallback mirror. A dirty
	// namespace stays dirty: only a successful invalidation clears it.
	f.fallback.set(key, value, ttl)

	// At least one tier accepted the write, so the put succeeds even
	// when the primary is down.
	return nil
}

// InvalidateEntry deletes one entry from both tiers and removes it from
// its namespace index
func (f *Facade) InvalidateEntry(ctx context.Context, indexKey, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, f.config.OpTimeout)
	defer cancel()

	f.fallback.remove(key)

	if err := f.primary.Del(opCtx, key); err != nil {
		f.enterDegraded("invalidate_entry", err)
		f.fallback.markDirty(indexKey, f.config.DirtyTTL)
		return fmt.Errorf("failed to invalidate entry in primary: %w", err)
	}
	if err := f.primary.SRem(opCtx, indexKey, key); err != nil {
		return fmt.Errorf("failed to deindex entry: %w", err)
	}
	return nil
}

// InvalidateNamespace enumerates the namespace index and deletes every
// entry in both tiers, then deletes the index itself. If the primary
// partially fails the facade retries with exponential backoff (100ms,
// 400ms) and, on final failure, marks the namespace dirty in the
// fallback so subsequent reads treat it as a miss.
func (f *Facade) InvalidateNamespace(ctx context.Context, indexKey string) error {
	start := time.Now()
	defer func() {
		f.metrics.RecordTimer("cache.op.duration", time.Since(start), map[string]string{
			"namespace": FeatureOf(indexKey),
			"op":        "invalidate_namespace",
		})
	}()

	attempt := func() ([]string, error) {
		opCtx, cancel := context.WithTimeout(ctx, f.config.OpTimeout)
		defer cancel()

		keys, err := f.primary.SMembers(opCtx, indexKey)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			if err := f.primary.Del(opCtx, keys...); err != nil {
				return keys, err
			}
		}
		if err := f.primary.Del(opCtx, indexKey); err != nil {
			return keys, err
		}
		return keys, nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMultiplier(4),
		backoff.WithRandomizationFactor(0),
	), 2)

	var keys []string
	err := backoff.Retry(func() error {
		var attemptErr error
		keys, attemptErr = attempt()
		return attemptErr
	}, backoff.WithContext(policy, ctx))

	// Remove whatever keys we learned about from the fallback regardless
	// of the primary outcome.
	for _, k := range keys {
		f.fallback.remove(k)
	}

	if err != nil {
		f.enterDegraded("invalidate_namespace", err)
		f.fallback.markDirty(indexKey, f.config.DirtyTTL)
		return fmt.Errorf("failed to invalidate namespace %s: %w", indexKey, err)
	}
	f.fallback.clearDirty(indexKey)
	return nil
}

// Close stops the recovery loop
func (f *Facade) Close() {
	f.closeOnce.Do(func() {
		close(f.stopCh)
	})
	f.wg.Wait()
}

// enterDegraded records a degraded-mode event and starts the recovery
// probe if it is not already running
func (f *Facade) enterDegraded(op string, err error) {
	if !f.degraded.Swap(true) {
		f.logger.Warn("primary cache unreachable, entering degraded mode", map[string]interface{}{
			"op":       op,
			"error":    err.Error(),
			"degraded": true,
		})
	}
	f.metrics.IncrementCounterWithLabels("cache.degraded", 1, map[string]string{"op": op})

	f.recoveryMu.Lock()
	defer f.recoveryMu.Unlock()
	if f.recoveryRunning {
		return
	}
	f.recoveryRunning = true
	f.wg.Add(1)
	go f.recoveryLoop()
}

// recoveryLoop probes the primary until it is reachable again, then
// flushes buffered writes oldest-first and leaves degraded mode
func (f *Facade) recoveryLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.recoveryMu.Lock()
			f.recoveryRunning = false
			f.recoveryMu.Unlock()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), f.config.OpTimeout)
			err := f.primary.Ping(ctx)
			cancel()
			if err != nil {
				continue
			}

			f.flushPending()
			f.degraded.Store(false)
			f.recoveryMu.Lock()
			f.recoveryRunning = false
			f.recoveryMu.Unlock()
			f.logger.Info("primary cache reachable again, leaving degraded mode", map[string]interface{}{
				"degraded": false,
			})
			return
		}
	}
}

// flushPending replays buffered writes oldest-first. Writes whose TTL
// already elapsed while buffered are skipped.
func (f *Facade) flushPending() {
	pending := f.fallback.drainPending()
	flushed := 0
	for _, w := range pending {
		elapsed := f.clock.Now().Sub(w.queuedAt)
		remaining := w.ttl - elapsed
		if remaining <= 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.config.OpTimeout)
		err := f.primary.Set(ctx, w.key, w.value, remaining)
		if err == nil {
			_ = f.primary.SAdd(ctx, w.indexKey, w.key)
			flushed++
		}
		cancel()
	}
	if len(pending) > 0 {
		f.logger.Info("flushed buffered cache writes", map[string]interface{}{
			"buffered": len(pending),
			"flushed":  flushed,
		})
	}
}

func (f *Facade) recordAccess(namespace, hit string) {
	f.metrics.IncrementCounterWithLabels("cache.access", 1, map[string]string{
		"namespace": namespace,
		"hit":       hit,
	})
}

// indexKeyOf reconstructs the index key a namespaced entry belongs to.
// Entry keys embed the user id as their second segment
// (<feature>:<user_id>:...), matching the key grammar.
func indexKeyOf(namespace, key string) string {
	rest := key
	if len(namespace) < len(key) && key[:len(namespace)] == namespace && key[len(namespace)] == ':' {
		rest = key[len(namespace)+1:]
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return IndexKey(namespace, rest[:i])
		}
	}
	return IndexKey(namespace, rest)
}
