// Package flight deduplicates concurrent identical work: the first
// caller for a fingerprint becomes the leader and runs the producer,
// concurrent callers attach as followers and receive the leader's
// result. Results are never cached here; entries exist only while in
// flight.
package flight

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

// Producer is the unit of work a leader executes
type Producer func(ctx context.Context) (interface{}, error)

// call tracks one in-flight invocation. Followers wait on done, never
// on the coordinator mutex.
type call struct {
	done    chan struct{}
	val     interface{}
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Coordinator collapses concurrent identical work into one invocation
type Coordinator struct {
	mu       sync.Mutex
	inflight map[string]*call
	timeout  time.Duration
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewCoordinator creates a coordinator with the given per-fingerprint
// deadline (60s when zero)
func NewCoordinator(timeout time.Duration, logger observability.Logger, metrics observability.MetricsClient) *Coordinator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger("flight")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Coordinator{
		inflight: make(map[string]*call),
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// Execute runs producer for key, deduplicating against concurrent
// callers with the same key. The returned bool reports whether this
// caller was the leader.
//
// If every caller abandons before completion the producer's context is
// cancelled. The per-key deadline cancels the invocation and propagates
// DEADLINE_EXCEEDED to all waiters.
func (c *Coordinator) Execute(ctx context.Context, key string, producer Producer) (interface{}, error, bool) {
	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		existing.waiters++
		c.mu.Unlock()
		c.metrics.IncrementCounterWithLabels("flight.followers", 1, nil)
		val, err := c.wait(ctx, key, existing)
		return val, err, false
	}

	// The producer runs detached from the leader's request context so a
	// single abandoning caller does not kill work followers still want.
	prodCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	cl := &call{
		done:    make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	c.inflight[key] = cl
	c.mu.Unlock()

	go c.run(key, cl, prodCtx, producer)

	val, err := c.wait(ctx, key, cl)
	return val, err, true
}

// InFlight reports how many keys are currently executing. Used by the
// stats endpoint and tests.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// run executes the producer and publishes its result to all waiters
func (c *Coordinator) run(key string, cl *call, prodCtx context.Context, producer Producer) {
	defer cl.cancel()

	val, err := producer(prodCtx)
	if err != nil && errors.Is(prodCtx.Err(), context.DeadlineExceeded) {
		err = apperrors.Wrap(apperrors.CodeDeadlineExceeded, "operation deadline exceeded", err)
	}

	c.mu.Lock()
	cl.val = val
	cl.err = err
	// Entry is removed immediately on completion: results are the
	// typed cache's job, not the coordinator's.
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
	close(cl.done)
}

// wait blocks until the call completes or the caller abandons. The last
// abandoning waiter cancels the producer.
func (c *Coordinator) wait(ctx context.Context, key string, cl *call) (interface{}, error) {
	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		c.mu.Lock()
		cl.waiters--
		abandoned := cl.waiters <= 0
		c.mu.Unlock()
		if abandoned {
			c.logger.Debug("all callers abandoned in-flight operation, cancelling", map[string]interface{}{
				"fingerprint": observability.HashForLog(key),
			})
			cl.cancel()
		}
		return nil, ctx.Err()
	}
}
