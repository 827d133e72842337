package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

// Store is a typed per-domain cache adapter over the facade. Each value
// type gets one Store constructed at the composition root with its
// namespace, TTL policy and JSON codec.
type Store[T any] struct {
	facade    *Facade
	namespace string
	ttl       time.Duration
	logger    observability.Logger
}

// NewStore creates a typed cache store for one value type
func NewStore[T any](facade *Facade, namespace string, ttl time.Duration, logger observability.Logger) *Store[T] {
	if logger == nil {
		logger = observability.NewLogger("cache." + namespace)
	}
	return &Store[T]{
		facade:    facade,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger,
	}
}

// Namespace returns the store's namespace name
func (s *Store[T]) Namespace() string {
	return s.namespace
}

// TTL returns the store's normal time-to-live
func (s *Store[T]) TTL() time.Duration {
	return s.ttl
}

// Get returns the cached value for key, or nil on miss. A decode
// failure counts as a miss and additionally invalidates the offending
// key so the poisoned entry is not served again.
func (s *Store[T]) Get(ctx context.Context, key string) *T {
	data, ok := s.facade.Get(ctx, s.namespace, key)
	if !ok {
		return nil
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		s.logger.Warn("failed to decode cached value, invalidating key", map[string]interface{}{
			"namespace": s.namespace,
			"error":     err.Error(),
		})
		_ = s.facade.InvalidateEntry(ctx, indexKeyOf(s.namespace, key), key)
		return nil
	}
	return &value
}

// Put encodes the value and writes it under the store's normal TTL
func (s *Store[T]) Put(ctx context.Context, indexKey, key string, value *T) error {
	return s.PutTTL(ctx, indexKey, key, value, s.ttl)
}

// PutTTL encodes the value and writes it with an explicit TTL. Used for
// fallback artifacts, which are cached at a quarter of the normal TTL.
func (s *Store[T]) PutTTL(ctx context.Context, indexKey, key string, value *T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.facade.Put(ctx, s.namespace, indexKey, key, data, ttl)
}

// InvalidateEntry removes one entry
func (s *Store[T]) InvalidateEntry(ctx context.Context, indexKey, key string) error {
	return s.facade.InvalidateEntry(ctx, indexKey, key)
}

// InvalidateNamespace removes every entry grouped under indexKey
func (s *Store[T]) InvalidateNamespace(ctx context.Context, indexKey string) error {
	return s.facade.InvalidateNamespace(ctx, indexKey)
}
