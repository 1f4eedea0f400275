package gogate

import "time"

// Metrics defines the interface for tracking access decisions and store health.
type Metrics interface {
	// RecordDecision records the outcome of an access check for a feature.
	RecordDecision(feature string, reason ReasonCode, granted bool, duration time.Duration)

	// RecordCacheHit records a cache hit for a key kind ("decision", "subscription", "tier").
	RecordCacheHit(kind string)

	// RecordCacheMiss records a cache miss for a key kind.
	RecordCacheMiss(kind string)

	// RecordStoreOperation records the duration and status of a store call.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordUsageFailOpen records a usage check that was allowed because the usage store failed.
	RecordUsageFailOpen(feature string)

	// RecordUsageEvent records a usage event appended after a successful action.
	RecordUsageEvent(feature string, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(feature string, reason ReasonCode, granted bool, duration time.Duration) {
}
func (n *NoopMetrics) RecordCacheHit(kind string)                                             {}
func (n *NoopMetrics) RecordCacheMiss(kind string)                                            {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordUsageFailOpen(feature string)                                     {}
func (n *NoopMetrics) RecordUsageEvent(feature string, err error)                             {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                           {}
