// Package tiered provides a Hot/Cold tiered storage adapter that pairs a fast
// store (Hot, e.g. Redis or memory) with a durable one (Cold, e.g. Postgres or
// Firestore), using a different strategy per operation:
//   - Read-Through: subscriptions (Hot → Cold → populate Hot)
//   - Write-Through: subscriptions (Cold first, then Hot refreshed from Cold)
//   - Hot-Primary/Async-Audit: usage events (Hot synchronously, Cold sync or async)
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 store used for every read
	Hot gogate.Store

	// Cold is the L2 store and the source of truth for subscriptions
	Cold gogate.Store

	// AsyncUsageSync makes usage writes to Cold non-blocking. If false,
	// writes are synchronous (slower but safer).
	AsyncUsageSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// ErrorHandler is called when a best-effort write fails.
	ErrorHandler func(error)
}

// Storage implements gogate.Store on top of a Hot and a Cold store.
type Storage struct {
	hot  gogate.Store
	cold gogate.Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncUsageSync {
		s.startWorker()
	}

	return s, nil
}

// Close stops the async worker after draining queued writes.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// startWorker processes queued Cold writes sequentially so per-user order is kept.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.report(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(err)
	}
}

// GetSubscription implements gogate.SubscriptionStore with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*gogate.Subscription, error) {
	sub, err := s.hot.GetSubscription(ctx, userID)
	if err == nil {
		return sub, nil
	}

	sub, err = s.cold.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Read-repair. Errors are non-critical here.
	_ = s.hot.SetSubscription(ctx, userID, sub.Snapshot(), false) //nolint:errcheck // Cache fill
	return sub, nil
}

// SetSubscription implements gogate.SubscriptionStore with write-through strategy.
// Hot is replaced with the merged Cold record so a partial update never lands
// on a Hot store that lacks the base record.
func (s *Storage) SetSubscription(ctx context.Context, userID string,
	update *gogate.SubscriptionUpdate, merge bool) error {
	if err := s.cold.SetSubscription(ctx, userID, update, merge); err != nil {
		return err
	}

	sub, err := s.cold.GetSubscription(ctx, userID)
	if err != nil {
		s.report(fmt.Errorf("tiered storage: reading back subscription: %w", err))
		return nil
	}
	if err := s.hot.SetSubscription(ctx, userID, sub.Snapshot(), false); err != nil {
		s.report(fmt.Errorf("tiered storage: hot subscription write failed: %w", err))
	}
	return nil
}

// CountUsage implements gogate.UsageStore. Hot is authoritative; Cold serves
// reads while Hot is unavailable.
func (s *Storage) CountUsage(ctx context.Context, userID, feature string, since time.Time) (int, error) {
	n, err := s.hot.CountUsage(ctx, userID, feature, since)
	if err == nil {
		return n, nil
	}
	return s.cold.CountUsage(ctx, userID, feature, since)
}

// AppendUsage implements gogate.UsageStore with hot-primary/async-audit strategy.
func (s *Storage) AppendUsage(ctx context.Context, event *gogate.UsageEvent) error {
	if err := s.hot.AppendUsage(ctx, event); err != nil {
		return err
	}

	if !s.conf.AsyncUsageSync {
		if err := s.cold.AppendUsage(ctx, event); err != nil {
			s.report(fmt.Errorf("tiered storage: sync cold write failed: %w", err))
		}
		return nil
	}

	ev := *event
	select {
	case s.syncQueue <- func() error {
		return s.cold.AppendUsage(context.Background(), &ev)
	}:
	default:
		s.report(errors.New("tiered storage: sync queue full, dropping cold write"))
	}
	return nil
}
