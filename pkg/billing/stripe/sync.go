package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gogate/pkg/billing"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

// syncUserFromAPI writes the user's current Stripe state to the store
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (gogate.Tier, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		if !errors.Is(err, billing.ErrUserNotFound) {
			p.metrics.RecordUserSync(providerName, statusError, time.Since(startTime))
			return p.defaultTier, err
		}
		// Unknown to Stripe: the user is on the default tier
		tier := p.defaultTier
		canceled := gogate.StatusCanceled
		_, err = p.applyUpdate(ctx, userID, &gogate.SubscriptionUpdate{Tier: &tier, Status: &canceled},
			"sync", p.now().UTC(), nil)
		return tier, p.finishSync(startTime, err)
	}

	tier, _, err := p.syncCustomer(ctx, customerID, userID, "sync", p.now().UTC())
	return tier, p.finishSync(startTime, err)
}

func (p *Provider) finishSync(startTime time.Time, err error) error {
	if err != nil {
		p.metrics.RecordUserSync(providerName, statusError, time.Since(startTime))
		return err
	}
	p.metrics.RecordUserSync(providerName, statusSuccess, time.Since(startTime))
	return nil
}

// resolveCustomerID finds the Stripe customer for a user, through the
// CustomerIDResolver when configured and the Search API otherwise.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
		p.logger.Debug("CustomerIDResolver missed, falling back to Search API",
			gogate.Field{Key: "userId", Value: userID},
		)
	}
	return p.searchCustomerByMetadata(ctx, userID)
}

// searchCustomerByMetadata searches for a customer by metadata using Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/search", statusError, time.Since(start))
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches
		if cust.Metadata[metadataUserID] == userID {
			p.metrics.RecordAPICall(providerName, "/customers/search", statusSuccess, time.Since(start))
			return cust.ID, nil
		}
	}

	p.metrics.RecordAPICall(providerName, "/customers/search", "not_found", time.Since(start))
	return "", billing.ErrUserNotFound
}

// syncCustomer lists the customer's subscriptions, picks the best one and
// writes it with the given timestamp.
func (p *Provider) syncCustomer(
	ctx context.Context, customerID, userID, eventType string, ts time.Time,
) (gogate.Tier, string, error) {
	start := time.Now()
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)

	var subscriptions []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", statusError, time.Since(start))
			return p.defaultTier, "", fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", statusSuccess, time.Since(start))

	best := p.bestSubscription(subscriptions)
	if best == nil {
		tier := p.defaultTier
		canceled := gogate.StatusCanceled
		status, err := p.applyUpdate(ctx, userID, &gogate.SubscriptionUpdate{Tier: &tier, Status: &canceled},
			eventType, ts, map[string]interface{}{"customerId": customerID})
		return tier, status, err
	}

	update := p.updateFromSubscription(best)
	status, err := p.applyUpdate(ctx, userID, update, eventType, ts, subscriptionMetadata(best))
	return *update.Tier, status, err
}

// bestSubscription prefers subscriptions that grant access, then the highest
// tier, then the most recently created.
func (p *Provider) bestSubscription(subs []*stripe.Subscription) *stripe.Subscription {
	var best *stripe.Subscription
	var bestTier gogate.Tier
	for _, sub := range subs {
		tier := *p.updateFromSubscription(sub).Tier
		if best == nil || betterSubscription(sub, tier, best, bestTier) {
			best, bestTier = sub, tier
		}
	}
	return best
}

func betterSubscription(a *stripe.Subscription, aTier gogate.Tier, b *stripe.Subscription, bTier gogate.Tier) bool {
	aActive := mapStatus(a.Status).PermitsAccess()
	bActive := mapStatus(b.Status).PermitsAccess()
	if aActive != bActive {
		return aActive
	}
	if aTier.Rank() != bTier.Rank() {
		return aTier.Rank() > bTier.Rank()
	}
	return a.Created > b.Created
}
