// Package resilience wraps calls to external dependencies in circuit
// breakers so a failing chat model or catalog sheds load quickly
// instead of queueing timed-out requests.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

// Breaker names used across the server
const (
	ChatModelBreaker = "chat_model"
	CatalogBreaker   = "catalog"
	DatabaseBreaker  = "database"
)

// CircuitBreakerConfig holds configuration for one circuit breaker
type CircuitBreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// Registry holds the server's named circuit breakers, creating each on
// first use from its configured (or default) settings
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]CircuitBreakerConfig
	logger   observability.Logger
}

// NewRegistry creates a breaker registry
func NewRegistry(configs map[string]CircuitBreakerConfig, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewLogger("resilience")
	}
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  configs,
		logger:   logger,
	}
}

// Execute runs fn under the named breaker. An open breaker fails fast
// with gobreaker.ErrOpenState; callers treat that as dependency
// unavailability.
func (r *Registry) Execute(ctx context.Context, name string, fn func() (interface{}, error)) (interface{}, error) {
	cb := r.breaker(name)

	resultCh := make(chan struct {
		result interface{}
		err    error
	}, 1)

	go func() {
		result, err := cb.Execute(fn)
		resultCh <- struct {
			result interface{}
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.result, res.err
	}
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check again in case it was created while we were waiting for the lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.configs[name]
	if config.MaxRequests == 0 {
		config.MaxRequests = 5
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = 0.5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = cb
	return cb
}
