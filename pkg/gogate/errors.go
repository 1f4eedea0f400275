package gogate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFeature is returned when a feature is not in the catalog
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrInvalidUserID is returned for empty user IDs or IDs containing ':'
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvalidTier is returned for unknown tier
	ErrInvalidTier = errors.New("invalid tier")

	// ErrSubscriptionNotFound is returned when the user has no subscription record
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrStoreUnavailable is returned when a backing store fails or times out
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrMalformedSubscription is returned when a stored record fails validation
	ErrMalformedSubscription = errors.New("malformed subscription")

	// ErrAccessDenied is matched by every DenialError
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidConfig is returned by Config.Validate
	ErrInvalidConfig = errors.New("invalid config")
)

// DenialError carries the decision that denied access.
type DenialError struct {
	Decision *AccessDecision
}

func (e *DenialError) Error() string {
	if e.Decision == nil {
		return ErrAccessDenied.Error()
	}
	if e.Decision.RequiredTier != nil {
		return fmt.Sprintf("access denied to %s: %s (requires %s)",
			e.Decision.Feature, e.Decision.ReasonCode, *e.Decision.RequiredTier)
	}
	return fmt.Sprintf("access denied to %s: %s", e.Decision.Feature, e.Decision.ReasonCode)
}

// Is makes errors.Is(err, ErrAccessDenied) true for any DenialError.
func (e *DenialError) Is(target error) bool {
	return target == ErrAccessDenied
}

// Reason returns the reason code of the denial.
func (e *DenialError) Reason() ReasonCode {
	if e.Decision == nil {
		return ReasonSystemError
	}
	return e.Decision.ReasonCode
}

// AsDenial extracts a DenialError from err.
func AsDenial(err error) (*DenialError, bool) {
	var de *DenialError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
