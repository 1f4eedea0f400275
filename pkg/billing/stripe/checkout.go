package stripe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gogate/pkg/billing"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

// CheckoutURL creates a Stripe Checkout Session for tier and returns its URL.
// The tier is resolved to a Price ID through TierMapping.
func (p *Provider) CheckoutURL(ctx context.Context, userID string, tier gogate.Tier, successURL, cancelURL string) (string, error) {
	priceID := p.priceIDForTier(tier)
	if priceID == "" {
		return "", fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, tier)
	}

	// Only a missing customer is tolerated; other errors could create a
	// duplicate customer.
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrUserNotFound) {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.AddMetadata(metadataUserID, userID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, userID)

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(userID)
		params.CustomerCreation = stripe.String("always")
	}

	start := time.Now()
	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", statusError, time.Since(start))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", statusSuccess, time.Since(start))

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session where the user can
// change or cancel their subscription.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	start := time.Now()
	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", statusError, time.Since(start))
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", statusSuccess, time.Since(start))

	return session.URL, nil
}

// priceIDForTier returns the Price ID mapped to tier. When several prices map
// to the same tier the lexically smallest wins so the choice is stable.
func (p *Provider) priceIDForTier(tier gogate.Tier) string {
	var ids []string
	for id, mapped := range p.tierMapping {
		if mapped == tier {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}
