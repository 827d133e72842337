package quota

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/clock"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

// BackendFailureMode decides whether consume fails open or closed when
// the backing store is unavailable
type BackendFailureMode string

const (
	// FailureModeAllow lets the operation proceed unmetered (fail open)
	FailureModeAllow BackendFailureMode = "allow"

	// FailureModeDeny rejects the operation (fail closed)
	FailureModeDeny BackendFailureMode = "deny"
)

// Config holds quota engine configuration
type Config struct {
	// OnBackendFailure selects allow or deny when the KV store is
	// unreachable. Defaults to allow.
	OnBackendFailure BackendFailureMode `mapstructure:"on_backend_failure"`

	// Timezone for calendar windows. Defaults to server-local.
	Timezone string `mapstructure:"timezone"`

	// Grace added to the backing record's TTL past the window end
	Grace time.Duration `mapstructure:"grace"`

	// OpTimeout bounds each KV call
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// Engine enforces per-user quotas. QuotaRecords are mutated only
// through Consume and Reset; nothing else may touch the backing keys.
//
// Engine is safe for concurrent use; Consume is linearizable via the
// store's atomic INCRBY.
type Engine struct {
	kv      cache.KVStore
	clock   clock.Clock
	loc     *time.Location
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewEngine creates a quota engine
func NewEngine(kv cache.KVStore, config Config, clk clock.Clock, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	if config.OnBackendFailure == "" {
		config.OnBackendFailure = FailureModeAllow
	}
	if config.Grace <= 0 {
		config.Grace = time.Hour
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 150 * time.Millisecond
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = observability.NewLogger("quota")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	loc := time.Local
	if config.Timezone != "" {
		if parsed, err := time.LoadLocation(config.Timezone); err == nil {
			loc = parsed
		} else {
			logger.Warn("invalid quota timezone, falling back to server-local", map[string]interface{}{
				"timezone": config.Timezone,
				"error":    err.Error(),
			})
		}
	}

	return &Engine{
		kv:      kv,
		clock:   clk,
		loc:     loc,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Check returns the current usage for (user, kind). Pure read: it never
// mutates the backing record. When the store cannot be consulted the
// answer is best-effort with Degraded set.
func (e *Engine) Check(ctx context.Context, userID uuid.UUID, kind Kind) (Usage, error) {
	policy, err := PolicyFor(kind)
	if err != nil {
		return Usage{}, err
	}

	now := e.clock.Now()
	w := windowFor(now, policy.Window, e.loc)
	usage := e.usageFor(kind, policy, w, 0)

	opCtx, cancel := context.WithTimeout(ctx, e.config.OpTimeout)
	defer cancel()

	data, err := e.kv.Get(opCtx, key(kind, userID.String(), w))
	if err == cache.ErrNotFound {
		return usage, nil
	}
	if err != nil {
		usage.Degraded = true
		e.logger.Warn("quota backend unavailable during check", map[string]interface{}{
			"user_id":    userID.String(),
			"quota_kind": string(kind),
			"degraded":   true,
			"error":      err.Error(),
		})
		return usage, nil
	}

	used, parseErr := strconv.Atoi(string(data))
	if parseErr != nil {
		usage.Degraded = true
		return usage, nil
	}
	return e.usageFor(kind, policy, w, used), nil
}

// Consume atomically increments usage by units. If the post-increment
// count overruns the limit the increment is compensated and an
// *ExceededError carrying the usage is returned. Cache hits must not
// reach Consume; that accounting rule lives in the orchestrator.
func (e *Engine) Consume(ctx context.Context, userID uuid.UUID, kind Kind, units int) (Usage, error) {
	if units <= 0 {
		units = 1
	}
	policy, err := PolicyFor(kind)
	if err != nil {
		return Usage{}, err
	}

	now := e.clock.Now()
	w := windowFor(now, policy.Window, e.loc)
	k := key(kind, userID.String(), w)

	opCtx, cancel := context.WithTimeout(ctx, e.config.OpTimeout)
	defer cancel()

	newVal, err := e.kv.IncrBy(opCtx, k, int64(units))
	if err != nil {
		return e.consumeBackendFailure(kind, policy, w, err)
	}

	// First touch of the window creates the record; bound its lifetime
	// at window end plus grace so rollover happens via TTL expiry.
	if newVal == int64(units) {
		ttl := w.End.Sub(now) + e.config.Grace
		if expErr := e.kv.Expire(opCtx, k, ttl); expErr != nil {
			e.logger.Warn("failed to set quota record ttl", map[string]interface{}{
				"quota_kind": string(kind),
				"error":      expErr.Error(),
			})
		}
	}

	if newVal > int64(policy.Limit) {
		// Over the cap: compensate so used never exceeds the limit. The
		// rollback runs on its own deadline; the caller's context (or the
		// increment's budget) may already be spent.
		rbCtx, rbCancel := context.WithTimeout(context.Background(), e.config.OpTimeout)
		defer rbCancel()
		if _, decErr := e.kv.IncrBy(rbCtx, k, int64(-units)); decErr != nil {
			e.logger.Error("failed to compensate quota overrun", map[string]interface{}{
				"user_id":    userID.String(),
				"quota_kind": string(kind),
				"error":      decErr.Error(),
			})
		}
		usage := e.usageFor(kind, policy, w, policy.Limit)
		usage.Exceeded = true
		e.metrics.IncrementCounterWithLabels("quota.exceeded", 1, map[string]string{
			"kind": string(kind),
		})
		return usage, &ExceededError{Usage: usage}
	}

	e.metrics.IncrementCounterWithLabels("quota.consumed", 1, map[string]string{
		"kind":     string(kind),
		"exceeded": "false",
	})
	return e.usageFor(kind, policy, w, int(newVal)), nil
}

// Reset deletes the backing record for the current window. Admin only.
func (e *Engine) Reset(ctx context.Context, userID uuid.UUID, kind Kind) error {
	policy, err := PolicyFor(kind)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, e.config.OpTimeout)
	defer cancel()

	w := windowFor(e.clock.Now(), policy.Window, e.loc)
	return e.kv.Del(opCtx, key(kind, userID.String(), w))
}

// AllUsage reads every kind's usage for a user in parallel
func (e *Engine) AllUsage(ctx context.Context, userID uuid.UUID) (map[Kind]Usage, error) {
	kinds := Kinds()
	usages := make([]Usage, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			u, err := e.Check(gctx, userID, kind)
			if err != nil {
				return err
			}
			usages[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[Kind]Usage, len(kinds))
	for i, kind := range kinds {
		result[kind] = usages[i]
	}
	return result, nil
}

// consumeBackendFailure applies the configured fail-open/fail-closed
// policy when the store is unreachable
func (e *Engine) consumeBackendFailure(kind Kind, policy Policy, w Window, cause error) (Usage, error) {
	e.logger.Error("quota backend unavailable during consume", map[string]interface{}{
		"quota_kind": string(kind),
		"mode":       string(e.config.OnBackendFailure),
		"degraded":   true,
		"error":      cause.Error(),
	})
	e.metrics.IncrementCounterWithLabels("quota.backend_failure", 1, map[string]string{
		"kind": string(kind),
		"mode": string(e.config.OnBackendFailure),
	})

	usage := e.usageFor(kind, policy, w, 0)
	usage.Degraded = true

	if e.config.OnBackendFailure == FailureModeDeny {
		usage.Exceeded = true
		return usage, &ExceededError{Usage: usage}
	}
	return usage, nil
}

func (e *Engine) usageFor(kind Kind, policy Policy, w Window, used int) Usage {
	if used > policy.Limit {
		used = policy.Limit
	}
	remaining := policy.Limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Type:        kind,
		Limit:       policy.Limit,
		Used:        used,
		Remaining:   remaining,
		PeriodStart: w.Start,
		PeriodEnd:   w.End,
		ResetsAt:    w.End,
		Exceeded:    remaining == 0,
	}
}
