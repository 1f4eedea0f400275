package gogate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker (default: 5).
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before letting a probe
	// through (default: 30 seconds).
	ResetTimeout time.Duration
	// OnStateChange is called with the new state, under the breaker lock.
	OnStateChange func(state BreakerState)
	Clock         Clock
}

// CircuitBreaker stops calling a failing store for a while. A single probe
// call is admitted once the reset timeout elapses.
type CircuitBreaker struct {
	mu sync.Mutex

	config      CircuitBreakerConfig
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	return &CircuitBreaker{config: config, state: BreakerClosed}
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Do runs fn unless the breaker is open. Errors for which countable returns
// false do not trip the breaker.
func (b *CircuitBreaker) Do(fn func() error, countable func(error) bool) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	wasProbe := b.state == BreakerHalfOpen
	b.probeActive = false
	if err != nil && (countable == nil || countable(err)) {
		b.failures++
		if wasProbe || b.failures >= b.config.FailureThreshold {
			b.openedAt = b.config.Clock.Now()
			b.setState(BreakerOpen)
		}
		return err
	}
	b.failures = 0
	b.setState(BreakerClosed)
	return err
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	switch b.state {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.probeActive {
			return ErrCircuitOpen
		}
		b.probeActive = true
	}
	return nil
}

// refresh must be called with mu held.
func (b *CircuitBreaker) refresh() {
	if b.state == BreakerOpen && b.config.Clock.Now().Sub(b.openedAt) >= b.config.ResetTimeout {
		b.setState(BreakerHalfOpen)
	}
}

func (b *CircuitBreaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(s)
	}
}

// CircuitBreakerStore guards a Store with one CircuitBreaker for subscription
// reads and writes and another for usage events. Absent records are not
// failures. A nil breaker leaves that path unguarded.
type CircuitBreakerStore struct {
	store         Store
	subscriptions *CircuitBreaker
	usage         *CircuitBreaker
}

// NewCircuitBreakerStore wraps store. Passing the same breaker twice couples
// the two paths again.
func NewCircuitBreakerStore(store Store, subscriptions, usage *CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{store: store, subscriptions: subscriptions, usage: usage}
}

func storeFailure(err error) bool {
	return !errors.Is(err, ErrSubscriptionNotFound)
}

func guard(b *CircuitBreaker, fn func() error) error {
	if b == nil {
		return fn()
	}
	return b.Do(fn, storeFailure)
}

func (s *CircuitBreakerStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub *Subscription
	err := guard(s.subscriptions, func() error {
		var e error
		sub, e = s.store.GetSubscription(ctx, userID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStore) SetSubscription(ctx context.Context, userID string,
	update *SubscriptionUpdate, merge bool) error {
	return guard(s.subscriptions, func() error {
		return s.store.SetSubscription(ctx, userID, update, merge)
	})
}

func (s *CircuitBreakerStore) CountUsage(ctx context.Context, userID, feature string, since time.Time) (int, error) {
	var n int
	err := guard(s.usage, func() error {
		var e error
		n, e = s.store.CountUsage(ctx, userID, feature, since)
		return e
	})
	return n, err
}

func (s *CircuitBreakerStore) AppendUsage(ctx context.Context, event *UsageEvent) error {
	return guard(s.usage, func() error {
		return s.store.AppendUsage(ctx, event)
	})
}
