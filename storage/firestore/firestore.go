// Package firestore provides a Firestore implementation of the gogate.Store interface.
// Subscriptions are one document per user; merge writes use firestore.MergeAll.
// Usage events are documents counted with an aggregation query.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

const (
	fieldTier        = "tier"
	fieldStatus      = "status"
	fieldPeriodStart = "currentPeriodStart"
	fieldPeriodEnd   = "currentPeriodEnd"
	fieldFeatures    = "features"
	fieldUpdatedAt   = "updatedAt"

	fieldUserID    = "userId"
	fieldFeature   = "feature"
	fieldTimestamp = "timestamp"
)

// Storage implements gogate.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	usageCollection         string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "gogate_subscriptions"
	SubscriptionsCollection string

	// UsageCollection is the Firestore collection for usage events
	// Default: "gogate_usage_events"
	UsageCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "gogate_subscriptions"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "gogate_usage_events"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		usageCollection:         config.UsageCollection,
	}, nil
}

// GetSubscription implements gogate.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*gogate.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gogate.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, gogate.ErrSubscriptionNotFound
	}

	data := snap.Data()
	sub := &gogate.Subscription{
		UserID:             userID,
		Tier:               gogate.Tier(getString(data, fieldTier)),
		Status:             gogate.Status(getString(data, fieldStatus)),
		CurrentPeriodStart: getTimePtr(data, fieldPeriodStart),
		CurrentPeriodEnd:   getTimePtr(data, fieldPeriodEnd),
		UpdatedAt:          getTime(data, fieldUpdatedAt),
	}

	if raw, ok := data[fieldFeatures].(map[string]interface{}); ok && len(raw) > 0 {
		sub.Features = make(map[string]bool, len(raw))
		for name, v := range raw {
			enabled, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: feature %q is not a bool", gogate.ErrMalformedSubscription, name)
			}
			sub.Features[name] = enabled
		}
	}

	return sub, nil
}

// SetSubscription implements gogate.SubscriptionStore
func (s *Storage) SetSubscription(ctx context.Context, userID string,
	update *gogate.SubscriptionUpdate, merge bool) error {
	if userID == "" || update == nil {
		return fmt.Errorf("invalid subscription update")
	}

	data := make(map[string]interface{})
	if update.Tier != nil {
		data[fieldTier] = string(*update.Tier)
	}
	if update.Status != nil {
		data[fieldStatus] = string(*update.Status)
	}
	if update.CurrentPeriodStart != nil {
		data[fieldPeriodStart] = *update.CurrentPeriodStart
	}
	if update.CurrentPeriodEnd != nil {
		data[fieldPeriodEnd] = *update.CurrentPeriodEnd
	}
	if !update.UpdatedAt.IsZero() {
		data[fieldUpdatedAt] = update.UpdatedAt
	}
	if len(update.Features) > 0 {
		features := make(map[string]interface{}, len(update.Features))
		for name, enabled := range update.Features {
			features[name] = enabled
		}
		data[fieldFeatures] = features
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(userID)

	var err error
	if merge {
		if len(data) == 0 {
			// MergeAll rejects an empty map
			return nil
		}
		_, err = doc.Set(ctx, data, firestore.MergeAll)
	} else {
		_, err = doc.Set(ctx, data)
	}
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}

	return nil
}

// DeleteSubscription removes a user's subscription document
func (s *Storage) DeleteSubscription(ctx context.Context, userID string) error {
	if _, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// CountUsage implements gogate.UsageStore. The query needs a composite index on
// (userId, feature, timestamp) outside the emulator.
func (s *Storage) CountUsage(ctx context.Context, userID, feature string, since time.Time) (int, error) {
	query := s.client.Collection(s.usageCollection).
		Where(fieldUserID, "==", userID).
		Where(fieldFeature, "==", feature).
		Where(fieldTimestamp, ">=", since)

	results, err := query.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}

	value, ok := results["count"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("failed to count usage: unexpected aggregation result %T", results["count"])
	}
	return int(value.GetIntegerValue()), nil
}

// AppendUsage implements gogate.UsageStore
func (s *Storage) AppendUsage(ctx context.Context, event *gogate.UsageEvent) error {
	if event == nil || event.UserID == "" || event.Feature == "" {
		return fmt.Errorf("invalid usage event")
	}

	_, _, err := s.client.Collection(s.usageCollection).Add(ctx, map[string]interface{}{
		fieldUserID:    event.UserID,
		fieldFeature:   event.Feature,
		fieldTimestamp: event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}
