package gogate

import (
	"context"
	"time"
)

// UsageCounterConfig configures a UsageCounter.
type UsageCounterConfig struct {
	// Location anchors window boundaries (default: time.Local).
	Location *time.Location
	// WeekStart is the first day of weekly windows.
	WeekStart time.Weekday
	// Timeout bounds each store call (default: 3 seconds).
	Timeout time.Duration
	Logger  Logger
	Metrics Metrics
}

// UsageCounter counts usage events in the current calendar window.
// Store failures fail open.
type UsageCounter struct {
	store  UsageStore
	clock  Clock
	config UsageCounterConfig
}

// NewUsageCounter creates a usage counter.
func NewUsageCounter(store UsageStore, clock Clock, config UsageCounterConfig) *UsageCounter {
	if clock == nil {
		clock = SystemClock{}
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultStoreTimeout
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &UsageCounter{store: store, clock: clock, config: config}
}

// Check reports whether another use fits in the current window. An error is
// returned only for an invalid limit; store errors produce a degraded result
// with Allowed set.
func (c *UsageCounter) Check(ctx context.Context, userID, feature string, limit UsageLimit) (UsageResult, error) {
	now := c.clock.Now()
	window, err := CurrentWindow(limit.ResetPeriod, now, c.config.Location, c.config.WeekStart)
	if err != nil {
		return UsageResult{}, err
	}

	res := UsageResult{Limit: limit.Count, ResetAt: window.End}
	if limit.IsUnlimited() {
		res.Allowed = true
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	count, err := c.store.CountUsage(ctx, userID, feature, window.Start)
	c.config.Metrics.RecordStoreOperation("count_usage", time.Since(start), err)
	if err != nil {
		c.config.Logger.Warn("usage store unavailable, allowing request",
			Field{"userId", userID},
			Field{"feature", feature},
			Field{"error", err.Error()},
		)
		c.config.Metrics.RecordUsageFailOpen(feature)
		res.Allowed = true
		res.Degraded = true
		return res, nil
	}

	res.Current = count
	res.Allowed = count < limit.Count
	remaining := limit.Count - count
	if remaining < 0 {
		remaining = 0
	}
	res.Remaining = &remaining
	return res, nil
}

// Record appends a usage event stamped with the current time.
func (c *UsageCounter) Record(ctx context.Context, userID, feature string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	err := c.store.AppendUsage(ctx, &UsageEvent{
		UserID:    userID,
		Feature:   feature,
		Timestamp: c.clock.Now(),
	})
	c.config.Metrics.RecordStoreOperation("append_usage", time.Since(start), err)
	c.config.Metrics.RecordUsageEvent(feature, err)
	return err
}
