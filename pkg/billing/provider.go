package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// Provider is the interface a billing backend implements to keep the
// subscription store in sync with the provider.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, store writes and cache
	// invalidation internally.
	WebhookHandler() http.Handler

	// SyncUser pulls the user's state from the provider and writes it to the
	// subscription store. Used for "Restore Purchases" or nightly
	// reconciliation jobs. Returns the detected tier.
	SyncUser(ctx context.Context, userID string) (gogate.Tier, error)
}
