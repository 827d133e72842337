package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/clock"
	"github.com/S-Corkum/fitcoach-server/internal/flight"
	"github.com/S-Corkum/fitcoach-server/internal/models"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
	"github.com/S-Corkum/fitcoach-server/internal/persistence"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
)

// Request is one orchestrated-operation invocation
type Request struct {
	UserID uuid.UUID
	Inputs map[string]string
}

// Operation supplies the operation-specific hooks; the pipeline stages
// are shared. Construct once per feature at the composition root.
type Operation struct {
	// Kind names the operation in fingerprints, artifacts and metrics
	Kind models.OperationKind

	// Feature is the cache namespace (and key prefix) for artifacts
	Feature string

	// QuotaKind meters the operation; empty means unmetered
	QuotaKind quota.Kind

	// Cache is the typed artifact store for this feature
	Cache *cache.Store[models.Artifact]

	// Source is what a successful produce yields: model or external
	Source models.ArtifactSource

	// Schema validates the produced payload; nil skips validation
	Schema *gojsonschema.Schema

	// ModelTimeout bounds the produce stage
	ModelTimeout time.Duration

	// Validate rejects bad requests before any external call
	Validate func(req Request) error

	// Produce invokes the model or external catalog and returns its raw
	// output (JSON, possibly wrapped in prose or fences)
	Produce func(ctx context.Context, req Request, profile *models.UserProfile) (string, error)

	// Fallback synthesizes a template payload when produce fails; nil
	// means failures surface to the caller
	Fallback func(req Request, profile *models.UserProfile) json.RawMessage

	// CheckAdvisory reports whether the payload deviates from the
	// user's targets enough to flag, without failing the operation
	CheckAdvisory func(payload json.RawMessage, profile *models.UserProfile) bool
}

// Config holds orchestrator configuration
type Config struct {
	// OperationTimeout bounds one end-to-end run
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// Orchestrator runs operations through the shared pipeline
type Orchestrator struct {
	store   persistence.Store
	quotas  *quota.Engine
	flight  *flight.Coordinator
	clock   clock.Clock
	logger  observability.Logger
	metrics observability.MetricsClient
	config  Config
}

// New creates an orchestrator
func New(store persistence.Store, quotas *quota.Engine, coordinator *flight.Coordinator, clk clock.Clock, config Config, logger observability.Logger, metrics observability.MetricsClient) *Orchestrator {
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 90 * time.Second
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = observability.NewLogger("orchestrator")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Orchestrator{
		store:   store,
		quotas:  quotas,
		flight:  coordinator,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		config:  config,
	}
}

// Run executes one request through the pipeline. The caller always
// receives either an artifact (possibly source=fallback with an
// advisory flag) or a typed error.
func (o *Orchestrator) Run(ctx context.Context, op *Operation, req Request) (*models.Artifact, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.config.OperationTimeout)
	defer cancel()

	// Stage 1: validate and fingerprint.
	if op.Validate != nil {
		if err := op.Validate(req); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid request", err)
		}
	}

	profile, err := o.store.GetProfile(ctx, req.UserID)
	if err == persistence.ErrNotFound {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "unknown user")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to load profile", err)
	}

	fp := NewFingerprint(req.UserID, op.Kind, profile.Revision, req.Inputs)
	entryKey := cache.Key(op.Feature, req.UserID.String(), fp.Hash)
	indexKey := cache.IndexKey(op.Feature, req.UserID.String())

	// Stage 2: cache lookup. A hit short-circuits and does not consume
	// quota, unless the stored artifact is a fallback: that only stands
	// in until the model can be retried, so the pipeline continues and
	// the cached copy is held as a last resort.
	var cachedFallback *models.Artifact
	if cached := op.Cache.Get(ctx, entryKey); cached != nil {
		if cached.Source != models.SourceFallback {
			cached.Source = models.SourceCache
			o.completed(op, req, fp, models.SourceCache, "hit", start)
			return cached, nil
		}
		cachedFallback = cached
	}

	// Stage 3: quota check before any external call.
	if op.QuotaKind != "" {
		usage, qerr := o.quotas.Check(ctx, req.UserID, op.QuotaKind)
		if qerr != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidationFailed, "unknown quota kind", qerr)
		}
		if usage.Exceeded {
			o.completed(op, req, fp, "", "quota_exceeded", start)
			return nil, quotaExceededError(usage)
		}
	}

	// Stage 4: single-flight. The leader runs the remaining stages;
	// followers receive its artifact.
	val, err, wasLeader := o.flight.Execute(ctx, fp.Hash, func(prodCtx context.Context) (interface{}, error) {
		return o.produce(prodCtx, op, req, profile, fp, entryKey, indexKey, cachedFallback)
	})
	if err != nil {
		o.completed(op, req, fp, "", "error", start)
		return nil, err
	}

	artifact := val.(*models.Artifact)
	outcome := "ok"
	if !wasLeader {
		outcome = "coalesced"
	}
	o.completed(op, req, fp, artifact.Source, outcome, start)
	return artifact, nil
}

// produce is the leader-only tail of the pipeline: model invocation,
// quota consume, persist and cache, with typed fallback on failure
func (o *Orchestrator) produce(ctx context.Context, op *Operation, req Request, profile *models.UserProfile, fp Fingerprint, entryKey, indexKey string, cachedFallback *models.Artifact) (*models.Artifact, error) {
	payload, prodErr := o.invokeProducer(ctx, op, req, profile)
	if prodErr != nil {
		// A retry that fails again serves the fallback already cached
		// and persisted for this fingerprint instead of minting a new
		// one.
		if cachedFallback != nil {
			o.logger.Warn("producer failed again, serving cached fallback artifact", map[string]interface{}{
				"operation":   string(op.Kind),
				"user_id":     req.UserID.String(),
				"fingerprint": observability.HashForLog(fp.Hash),
				"error":       prodErr.Error(),
			})
			return cachedFallback, nil
		}
		if op.Fallback != nil {
			return o.emitFallback(ctx, op, req, profile, fp, entryKey, indexKey, prodErr)
		}
		return nil, prodErr
	}

	artifact := &models.Artifact{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Operation:   op.Kind,
		Fingerprint: fp.Hash,
		Source:      op.Source,
		ProducedAt:  o.clock.Now(),
		Payload:     payload,
	}
	if op.CheckAdvisory != nil && op.CheckAdvisory(payload, profile) {
		artifact.AdvisoryMismatch = true
	}

	// Stage 6: consume only after a successful model call. Losing the
	// consume race to another session still returns the artifact to
	// this caller; it just is not cached or persisted.
	if op.QuotaKind != "" {
		if _, cerr := o.quotas.Consume(ctx, req.UserID, op.QuotaKind, 1); cerr != nil {
			if _, exceeded := quota.IsExceeded(cerr); exceeded {
				o.logger.Info("consume lost quota race after model call, returning uncached artifact", map[string]interface{}{
					"user_id":     req.UserID.String(),
					"quota_kind":  string(op.QuotaKind),
					"fingerprint": observability.HashForLog(fp.Hash),
				})
				return artifact, nil
			}
			return nil, cerr
		}
	}

	// A cancelled invocation may run to completion, but its result is
	// discarded and never cached.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Stage 7: persist first so the cache never references an
	// un-persisted id.
	if err := o.store.SaveArtifact(ctx, artifact); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to persist artifact", err)
	}
	if err := op.Cache.Put(ctx, indexKey, entryKey, artifact); err != nil {
		o.logger.Warn("failed to cache artifact", map[string]interface{}{
			"feature": op.Feature,
			"error":   err.Error(),
		})
	}
	return artifact, nil
}

// invokeProducer runs the produce hook under its timeout and parses the
// output into a validated payload, classifying failures per the error
// taxonomy
func (o *Orchestrator) invokeProducer(ctx context.Context, op *Operation, req Request, profile *models.UserProfile) (json.RawMessage, error) {
	timeout := op.ModelTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	modelCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, err := op.Produce(modelCtx, req, profile)
	o.metrics.RecordTimer("model.call.duration", time.Since(start), map[string]string{
		"kind": string(op.Kind),
	})
	if err != nil {
		if op.Source == models.SourceExternal {
			return nil, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "external catalog failed", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeModelUnavailable, "chat model failed", err)
	}

	payload, err := ExtractJSONObject(raw)
	if err == nil {
		err = validatePayload(op.Schema, payload)
	}
	if err != nil {
		// Parse failure is a model failure.
		if op.Source == models.SourceExternal {
			return nil, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "external catalog returned malformed output", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeModelMalformed, "model returned unparseable output", err)
	}
	return payload, nil
}

// emitFallback synthesizes, persists and caches a template artifact at
// a quarter of the normal TTL so recovery is fast. Quota is never
// consumed on the fallback path.
func (o *Orchestrator) emitFallback(ctx context.Context, op *Operation, req Request, profile *models.UserProfile, fp Fingerprint, entryKey, indexKey string, cause error) (*models.Artifact, error) {
	o.logger.Warn("producer failed, emitting fallback artifact", map[string]interface{}{
		"operation":   string(op.Kind),
		"user_id":     req.UserID.String(),
		"fingerprint": observability.HashForLog(fp.Hash),
		"error":       cause.Error(),
	})

	artifact := &models.Artifact{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Operation:   op.Kind,
		Fingerprint: fp.Hash,
		Source:      models.SourceFallback,
		ProducedAt:  o.clock.Now(),
		Payload:     op.Fallback(req, profile),
	}

	if err := o.store.SaveArtifact(ctx, artifact); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistenceFailed, "failed to persist fallback artifact", err)
	}
	if err := op.Cache.PutTTL(ctx, indexKey, entryKey, artifact, op.Cache.TTL()/4); err != nil {
		o.logger.Warn("failed to cache fallback artifact", map[string]interface{}{
			"feature": op.Feature,
			"error":   err.Error(),
		})
	}
	return artifact, nil
}

// completed records the operation outcome
func (o *Orchestrator) completed(op *Operation, req Request, fp Fingerprint, source models.ArtifactSource, outcome string, start time.Time) {
	o.metrics.IncrementCounterWithLabels("operation.completed", 1, map[string]string{
		"kind":    string(op.Kind),
		"source":  string(source),
		"outcome": outcome,
	})
	o.metrics.RecordTimer("operation.duration", time.Since(start), map[string]string{
		"kind":   string(op.Kind),
		"source": string(source),
	})
	o.logger.Debug("operation completed", map[string]interface{}{
		"operation":   string(op.Kind),
		"user_id":     req.UserID.String(),
		"fingerprint": observability.HashForLog(fp.Hash),
		"source":      string(source),
		"outcome":     outcome,
	})
}

// quotaExceededError builds the typed rejection carrying usage for the
// HTTP surface
func quotaExceededError(usage quota.Usage) error {
	return apperrors.New(apperrors.CodeQuotaExceeded, "quota exceeded for "+string(usage.Type)).
		WithDetails(map[string]interface{}{"quotaUsage": usage})
}
