package gogate

import (
	"fmt"
	"time"
)

// Tier is a subscription level. Tiers are totally ordered, see Rank.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var tierRanks = map[Tier]int{
	TierFree:       0,
	TierBasic:      1,
	TierPro:        2,
	TierEnterprise: 3,
}

// AllTiers returns every tier in ascending order.
func AllTiers() []Tier {
	return []Tier{TierFree, TierBasic, TierPro, TierEnterprise}
}

// Rank returns the position of the tier in the hierarchy, or -1 for unknown tiers.
func (t Tier) Rank() int {
	r, ok := tierRanks[t]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Status is the billing status of a subscription.
type Status string

const (
	StatusActive     Status = "active"
	StatusCanceled   Status = "canceled"
	StatusPastDue    Status = "past_due"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusExpired    Status = "expired"
	StatusPaused     Status = "paused"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCanceled, StatusPastDue, StatusUnpaid,
		StatusIncomplete, StatusTrialing, StatusExpired, StatusPaused:
		return true
	}
	return false
}

// PermitsAccess reports whether the status allows access to paid features.
func (s Status) PermitsAccess() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is a user's billing state as persisted in the subscription store.
type Subscription struct {
	UserID             string          `json:"userId"`
	Tier               Tier            `json:"tier"`
	Status             Status          `json:"status"`
	CurrentPeriodStart *time.Time      `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time      `json:"currentPeriodEnd,omitempty"`
	Features           map[string]bool `json:"features,omitempty"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Validate checks that the record is well formed.
func (s *Subscription) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil record", ErrMalformedSubscription)
	}
	if !s.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrMalformedSubscription, s.Tier)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrMalformedSubscription, s.Status)
	}
	if s.CurrentPeriodStart != nil && s.CurrentPeriodEnd != nil &&
		s.CurrentPeriodEnd.Before(*s.CurrentPeriodStart) {
		return fmt.Errorf("%w: period ends before it starts", ErrMalformedSubscription)
	}
	return nil
}

// Expired reports whether the current period ended before now.
// A subscription without a period end never expires.
func (s *Subscription) Expired(now time.Time) bool {
	return s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(now)
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.CurrentPeriodStart != nil {
		t := *s.CurrentPeriodStart
		c.CurrentPeriodStart = &t
	}
	if s.CurrentPeriodEnd != nil {
		t := *s.CurrentPeriodEnd
		c.CurrentPeriodEnd = &t
	}
	if s.Features != nil {
		c.Features = make(map[string]bool, len(s.Features))
		for k, v := range s.Features {
			c.Features[k] = v
		}
	}
	return &c
}

// Snapshot returns an update carrying every field of s, suitable for a
// replacing write.
func (s *Subscription) Snapshot() *SubscriptionUpdate {
	c := s.Clone()
	return &SubscriptionUpdate{
		Tier:               &c.Tier,
		Status:             &c.Status,
		CurrentPeriodStart: c.CurrentPeriodStart,
		CurrentPeriodEnd:   c.CurrentPeriodEnd,
		Features:           c.Features,
		UpdatedAt:          c.UpdatedAt,
	}
}

// SubscriptionUpdate is a partial subscription record. Nil fields are left
// untouched when merged into an existing record.
type SubscriptionUpdate struct {
	Tier               *Tier
	Status             *Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	Features           map[string]bool
	UpdatedAt          time.Time
}

// Apply merges the update into base and returns the result. A nil base starts
// from an empty record for userID.
func (u *SubscriptionUpdate) Apply(userID string, base *Subscription) *Subscription {
	out := base.Clone()
	if out == nil {
		out = &Subscription{UserID: userID}
	}
	if u.Tier != nil {
		out.Tier = *u.Tier
	}
	if u.Status != nil {
		out.Status = *u.Status
	}
	if u.CurrentPeriodStart != nil {
		t := *u.CurrentPeriodStart
		out.CurrentPeriodStart = &t
	}
	if u.CurrentPeriodEnd != nil {
		t := *u.CurrentPeriodEnd
		out.CurrentPeriodEnd = &t
	}
	if len(u.Features) > 0 {
		if out.Features == nil {
			out.Features = make(map[string]bool, len(u.Features))
		}
		for k, v := range u.Features {
			out.Features[k] = v
		}
	}
	if !u.UpdatedAt.IsZero() {
		out.UpdatedAt = u.UpdatedAt
	}
	return out
}

// ResetPeriod is the calendar window a usage limit applies to.
type ResetPeriod string

const (
	ResetDaily   ResetPeriod = "daily"
	ResetWeekly  ResetPeriod = "weekly"
	ResetMonthly ResetPeriod = "monthly"
)

// Unlimited is the UsageLimit.Count value meaning no cap.
const Unlimited = -1

// UsageLimit caps how often a feature may be used per window.
type UsageLimit struct {
	Count       int         `json:"count"`
	ResetPeriod ResetPeriod `json:"resetPeriod"`
}

// IsUnlimited reports whether the limit is uncapped.
func (l UsageLimit) IsUnlimited() bool {
	return l.Count == Unlimited
}

// FeatureDefinition describes a gated feature.
type FeatureDefinition struct {
	Name                 string
	RequiresSubscription bool
	MinimumTier          Tier
	// UsageLimit applies to every tier without an entry in TierLimits.
	UsageLimit *UsageLimit
	TierLimits map[Tier]UsageLimit
	Conditions []Condition
}

// UsageEvent records a single successful use of a feature.
type UsageEvent struct {
	UserID    string    `json:"userId"`
	Feature   string    `json:"feature"`
	Timestamp time.Time `json:"timestamp"`
}

// ReasonCode explains an access decision.
type ReasonCode string

const (
	ReasonGranted              ReasonCode = "granted"
	ReasonNoSubscription       ReasonCode = "no-subscription"
	ReasonTierTooLow           ReasonCode = "tier-too-low"
	ReasonSubscriptionInactive ReasonCode = "subscription-inactive"
	ReasonSubscriptionExpired  ReasonCode = "subscription-expired"
	ReasonUsageLimitExceeded   ReasonCode = "usage-limit-exceeded"
	ReasonSystemError          ReasonCode = "system-error"
	ReasonFeatureDisabled      ReasonCode = "feature-disabled"
	ReasonConditionNotMet      ReasonCode = "condition-not-met"
)

// AccessDecision is the outcome of CheckAccess.
type AccessDecision struct {
	HasAccess       bool       `json:"hasAccess"`
	Feature         string     `json:"feature"`
	CurrentTier     Tier       `json:"currentTier,omitempty"`
	RequiredTier    *Tier      `json:"requiredTier,omitempty"`
	ReasonCode      ReasonCode `json:"reasonCode"`
	UpgradeRequired bool       `json:"upgradeRequired"`
	UsageRemaining  *int       `json:"usageRemaining,omitempty"`
	ResetAt         *time.Time `json:"resetAt,omitempty"`
	EvaluatedAt     time.Time  `json:"evaluatedAt"`
}

// Clone returns a deep copy.
func (d *AccessDecision) Clone() *AccessDecision {
	if d == nil {
		return nil
	}
	c := *d
	if d.RequiredTier != nil {
		t := *d.RequiredTier
		c.RequiredTier = &t
	}
	if d.UsageRemaining != nil {
		n := *d.UsageRemaining
		c.UsageRemaining = &n
	}
	if d.ResetAt != nil {
		t := *d.ResetAt
		c.ResetAt = &t
	}
	return &c
}

// TierDecision is the outcome of ValidateMinimumTier.
type TierDecision struct {
	HasAccess       bool       `json:"hasAccess"`
	CurrentTier     Tier       `json:"currentTier,omitempty"`
	RequiredTier    Tier       `json:"requiredTier"`
	ReasonCode      ReasonCode `json:"reasonCode"`
	UpgradeRequired bool       `json:"upgradeRequired"`
}

// UsageResult is the outcome of a usage check.
type UsageResult struct {
	Allowed   bool
	Current   int
	Limit     int
	Remaining *int
	ResetAt   time.Time
	// Degraded is set when the usage store failed and the check failed open.
	Degraded bool
}

func tierPtr(t Tier) *Tier { return &t }

func intPtr(n int) *int { return &n }

func timePtr(t time.Time) *time.Time { return &t }
