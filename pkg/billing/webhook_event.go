package billing

import (
	"time"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// WebhookEvent describes an update that was written to the subscription store.
// It is passed to the WebhookCallback.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousTier is the tier before the update (empty if the user had no record)
	PreviousTier gogate.Tier

	// NewTier is the tier after the update
	NewTier gogate.Tier

	// Status is the billing status after the update
	Status gogate.Status

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type, e.g.
	// "customer.subscription.created" or "invoice.payment_succeeded"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// PeriodEnd is when the current billing period ends (nil if unknown)
	PeriodEnd *time.Time

	// Metadata contains provider-specific additional data such as the
	// subscription ID and its metadata
	Metadata map[string]interface{}
}
