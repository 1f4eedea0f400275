// Package memory provides an in-memory implementation of the gogate.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// Storage implements gogate.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*gogate.Subscription
	usage         map[usageKey][]time.Time
}

type usageKey struct {
	userID  string
	feature string
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*gogate.Subscription),
		usage:         make(map[usageKey][]time.Time),
	}
}

// GetSubscription implements gogate.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, userID string) (*gogate.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, gogate.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// SetSubscription implements gogate.SubscriptionStore
func (s *Storage) SetSubscription(_ context.Context, userID string, update *gogate.SubscriptionUpdate, merge bool) error {
	if userID == "" || update == nil {
		return fmt.Errorf("invalid subscription update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var base *gogate.Subscription
	if merge {
		base = s.subscriptions[userID]
	}
	s.subscriptions[userID] = update.Apply(userID, base)
	return nil
}

// PutSubscription stores a complete record, replacing any existing one
func (s *Storage) PutSubscription(sub *gogate.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.UserID] = sub.Clone()
}

// DeleteSubscription removes a user's record
func (s *Storage) DeleteSubscription(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, userID)
}

// CountUsage implements gogate.UsageStore
func (s *Storage) CountUsage(_ context.Context, userID, feature string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ts := range s.usage[usageKey{userID, feature}] {
		if !ts.Before(since) {
			n++
		}
	}
	return n, nil
}

// AppendUsage implements gogate.UsageStore
func (s *Storage) AppendUsage(_ context.Context, event *gogate.UsageEvent) error {
	if event == nil || event.UserID == "" || event.Feature == "" {
		return fmt.Errorf("invalid usage event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := usageKey{event.UserID, event.Feature}
	s.usage[k] = append(s.usage[k], event.Timestamp)
	return nil
}
