package observability

import (
	"sort"
	"sync"
	"time"
)

// metricsClient is the default in-process metrics implementation. It keeps
// counters in memory so tests and the stats endpoint can read them back;
// a production deployment would swap in a push-based client behind the
// same interface.
type metricsClient struct {
	mu       sync.RWMutex
	enabled  bool
	labels   map[string]string
	counters map[string]float64
}

// MetricsOptions contains configuration options for creating a metrics client
type MetricsOptions struct {
	Enabled bool
	Labels  map[string]string
}

// NewMetricsClient creates a new metrics client with default options
func NewMetricsClient() MetricsClient {
	return NewMetricsClientWithOptions(MetricsOptions{
		Enabled: true,
		Labels:  map[string]string{},
	})
}

// NewMetricsClientWithOptions creates a new metrics client with specific options
func NewMetricsClientWithOptions(options MetricsOptions) MetricsClient {
	return &metricsClient{
		enabled:  options.Enabled,
		labels:   options.Labels,
		counters: make(map[string]float64),
	}
}

// RecordCounter increments a counter metric
func (m *metricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[labeledName(name, labels)] += value
	m.mu.Unlock()
}

// RecordGauge records a gauge metric
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[labeledName(name, labels)] = value
	m.mu.Unlock()
}

// RecordHistogram records a histogram metric
func (m *metricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.RecordCounter(name+"_sum", value, labels)
	m.RecordCounter(name+"_count", 1, labels)
}

// RecordTimer records a timer metric
func (m *metricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation metric
func (m *metricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	labels := map[string]string{
		"operation": operation,
		"success":   boolLabel(success),
	}
	m.RecordCounter("cache_operations_total", 1, labels)
	m.RecordHistogram("cache_operation_duration_seconds", durationSeconds, labels)
}

// RecordOperation records a component operation metric
func (m *metricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	effective := map[string]string{
		"component": component,
		"operation": operation,
		"success":   boolLabel(success),
	}
	for k, v := range labels {
		effective[k] = v
	}
	m.RecordCounter("operations_total", 1, effective)
	m.RecordHistogram("operation_duration_seconds", durationSeconds, effective)
}

// IncrementCounter increments a counter metric by a given value
func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, m.labels)
}

// IncrementCounterWithLabels increments a counter metric with custom labels
func (m *metricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	effective := m.labels
	if labels != nil {
		effective = labels
	}
	m.RecordCounter(name, value, effective)
}

// StartTimer starts a timer and returns a function that records the duration when called
func (m *metricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordTimer(name, time.Since(start), labels)
	}
}

// CounterValue returns the current value of a counter. Intended for tests.
func CounterValue(c MetricsClient, name string, labels map[string]string) float64 {
	mc, ok := c.(*metricsClient)
	if !ok {
		return 0
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.counters[labeledName(name, labels)]
}

// Close closes the metrics client
func (m *metricsClient) Close() error {
	return nil
}

func labeledName(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := name
	for _, k := range keys {
		out += "|" + k + "=" + labels[k]
	}
	return out
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
