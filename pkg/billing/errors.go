package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned by a provider constructor missing
	// its store, API key or tier mapping
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when a webhook fails signature verification
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a verified webhook cannot be decoded
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound means the provider has no customer linked to the gogate user
	ErrUserNotFound = errors.New("user not found in billing provider")

	// ErrTierNotConfigured means no price in TierMapping maps to the requested tier
	ErrTierNotConfigured = errors.New("tier not configured in tier mapping")

	// ErrCustomerNotFound is returned when a stored customer ID no longer resolves
	ErrCustomerNotFound = errors.New("customer not found in billing provider")
)
