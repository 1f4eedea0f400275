package gogate

import (
	"context"
	"time"
)

// SubscriptionStore persists subscription records.
type SubscriptionStore interface {
	// GetSubscription returns ErrSubscriptionNotFound when the user has no record.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// SetSubscription writes the update. With merge, nil fields keep their stored
	// values; without merge the stored record is replaced.
	SetSubscription(ctx context.Context, userID string, update *SubscriptionUpdate, merge bool) error
}

// UsageStore persists usage events.
type UsageStore interface {
	// CountUsage returns the number of events for the user and feature with
	// a timestamp at or after since.
	CountUsage(ctx context.Context, userID, feature string, since time.Time) (int, error)

	// AppendUsage stores an event.
	AppendUsage(ctx context.Context, event *UsageEvent) error
}

// Store is implemented by backends that hold both subscriptions and usage.
type Store interface {
	SubscriptionStore
	UsageStore
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}
