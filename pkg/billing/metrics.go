package billing

import (
	"time"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// Metrics defines the interface for tracking billing provider operations.
// Providers default to NoopMetrics when none is configured.
type Metrics interface {
	// RecordWebhook records a processed webhook event.
	// status: "success", "error" or "stale" (older than the stored record)
	RecordWebhook(provider, eventType, status string, duration time.Duration)

	// RecordWebhookError records a webhook rejected before processing.
	// errorType: e.g. "auth_failed", "invalid_payload", "payload_too_large", "rate_limited"
	RecordWebhookError(provider, errorType string)

	// RecordUserSync records a user synchronization operation.
	// status: "success" or "error"
	RecordUserSync(provider, status string, duration time.Duration)

	// RecordTierChange records when a user's tier changes.
	RecordTierChange(provider string, from, to gogate.Tier)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: e.g. "/subscriptions/list"; status: "success", "error", ...
	RecordAPICall(provider, endpoint, status string, duration time.Duration)

	// RecordInvalidationFailure records a write whose cache invalidation failed.
	RecordInvalidationFailure(provider string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (NoopMetrics) RecordWebhook(_, _, _ string, _ time.Duration) {}
func (NoopMetrics) RecordWebhookError(_, _ string)                {}
func (NoopMetrics) RecordUserSync(_, _ string, _ time.Duration)   {}
func (NoopMetrics) RecordTierChange(_ string, _, _ gogate.Tier)   {}
func (NoopMetrics) RecordAPICall(_, _, _ string, _ time.Duration) {}
func (NoopMetrics) RecordInvalidationFailure(_ string)            {}
