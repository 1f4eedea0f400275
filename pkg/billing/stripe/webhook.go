package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gogate/pkg/billing"
	"github.com/mihaimyh/gogate/pkg/billing/internal"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

const (
	statusSuccess   = "success"
	statusError     = "error"
	statusStale     = "stale"
	statusIgnored   = "ignored"
	statusWarning   = "warning"
	statusDuplicate = "duplicate"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, defaultMaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("Stripe webhook rejected",
			gogate.Field{Key: "error", Value: fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)},
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status, err := p.processWebhookEvent(r.Context(), &event)
	if err != nil {
		p.logger.Error("Stripe webhook processing failed",
			gogate.Field{Key: "eventId", Value: event.ID},
			gogate.Field{Key: "eventType", Value: eventType},
			gogate.Field{Key: "error", Value: err},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhook(providerName, eventType, statusError, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
	p.metrics.RecordWebhook(providerName, eventType, status, time.Since(startTime))
}

// processWebhookEvent dispatches a verified event and returns its outcome.
// Events are remembered only after their write and invalidation succeeded,
// so a redelivery of one of them has nothing left to do.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	if event.ID != "" && p.appliedEvents.Contains(event.ID) {
		return statusDuplicate, nil
	}

	status, err := p.dispatchEvent(ctx, event)
	if err == nil && event.ID != "" {
		p.appliedEvents.Add(event.ID, struct{}{})
	}
	return status, err
}

func (p *Provider) dispatchEvent(ctx context.Context, event *stripe.Event) (string, error) {
	eventTime := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, event, eventTime)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event, eventTime)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event, eventTime)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(event)
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event, eventTime)
	default:
		return statusIgnored, nil
	}
}

func (p *Provider) handleSubscriptionChanged(
	ctx context.Context, event *stripe.Event, eventTime time.Time,
) (string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return "", fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.extractUserIDFromSubscription(ctx, &sub)
	if err != nil {
		return "", err
	}

	return p.applyUpdate(ctx, userID, p.updateFromSubscription(&sub), string(event.Type), eventTime,
		subscriptionMetadata(&sub))
}

// handleSubscriptionDeleted re-reads the customer's remaining subscriptions so
// a user with several subscriptions keeps the best one.
func (p *Provider) handleSubscriptionDeleted(
	ctx context.Context, event *stripe.Event, eventTime time.Time,
) (string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return "", fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.extractUserIDFromSubscription(ctx, &sub)
	if err != nil {
		return "", err
	}

	if sub.Customer != nil && sub.Customer.ID != "" {
		_, status, err := p.syncCustomer(ctx, sub.Customer.ID, userID, string(event.Type), eventTime)
		return status, err
	}

	tier := p.defaultTier
	canceled := gogate.StatusCanceled
	return p.applyUpdate(ctx, userID, &gogate.SubscriptionUpdate{Tier: &tier, Status: &canceled},
		string(event.Type), eventTime, subscriptionMetadata(&sub))
}

func (p *Provider) handleInvoicePaymentSucceeded(
	ctx context.Context, event *stripe.Event, eventTime time.Time,
) (string, error) {
	subscriptionID := invoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice
		return statusIgnored, nil
	}

	start := time.Now()
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", statusError, time.Since(start))
		return "", fmt.Errorf("failed to fetch subscription: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", statusSuccess, time.Since(start))

	userID, err := p.extractUserIDFromSubscription(ctx, sub)
	if err != nil {
		return "", err
	}

	return p.applyUpdate(ctx, userID, p.updateFromSubscription(sub), string(event.Type), eventTime,
		subscriptionMetadata(sub))
}

// handleInvoicePaymentFailed leaves the store untouched. Stripe follows up
// with customer.subscription.updated carrying the past_due status.
func (p *Provider) handleInvoicePaymentFailed(event *stripe.Event) (string, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return "", fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}

	fields := []gogate.Field{{Key: "invoiceId", Value: invoice.ID}}
	if invoice.Customer != nil {
		fields = append(fields, gogate.Field{Key: "customerId", Value: invoice.Customer.ID})
	}
	p.logger.Warn("Stripe invoice payment failed", fields...)
	return statusWarning, nil
}

// handleCheckoutSessionCompleted stamps the user ID onto the new subscription
// and writes it right away instead of waiting for the subscription webhook.
func (p *Provider) handleCheckoutSessionCompleted(
	ctx context.Context, event *stripe.Event, eventTime time.Time,
) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return "", fmt.Errorf("metadata.user_id missing on checkout session %s", session.ID)
	}

	if session.Subscription == nil || session.Subscription.ID == "" {
		// Not a subscription checkout
		return statusIgnored, nil
	}
	subscriptionID := session.Subscription.ID

	start := time.Now()
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", statusError, time.Since(start))
		return "", fmt.Errorf("failed to fetch subscription: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", statusSuccess, time.Since(start))

	if sub.Metadata[metadataUserID] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(metadataUserID, userID)
		start = time.Now()
		sub, err = p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params)
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/update", statusError, time.Since(start))
			return "", fmt.Errorf("failed to patch subscription metadata: %w", err)
		}
		p.metrics.RecordAPICall(providerName, "/subscriptions/update", statusSuccess, time.Since(start))
	}

	return p.applyUpdate(ctx, userID, p.updateFromSubscription(sub), string(event.Type), eventTime,
		subscriptionMetadata(sub))
}

// applyUpdate merges update into the stored record unless the record is
// newer than eventTime. Stripe timestamps have second resolution, so an
// event from the same second as the stored record is applied. Cached
// decisions are invalidated in both cases so a retried delivery repairs a
// failed invalidation.
func (p *Provider) applyUpdate(
	ctx context.Context,
	userID string,
	update *gogate.SubscriptionUpdate,
	eventType string,
	eventTime time.Time,
	metadata map[string]interface{},
) (string, error) {
	existing, err := p.store.GetSubscription(ctx, userID)
	if err != nil && !errors.Is(err, gogate.ErrSubscriptionNotFound) {
		return "", fmt.Errorf("failed to read subscription: %w", err)
	}

	if existing != nil && eventTime.Before(existing.UpdatedAt) {
		p.logger.Debug("Skipping stale billing event",
			gogate.Field{Key: "userId", Value: userID},
			gogate.Field{Key: "eventType", Value: eventType},
		)
		if err := p.invalidate(ctx, userID); err != nil {
			return "", err
		}
		return statusStale, nil
	}

	update.UpdatedAt = eventTime
	if err := p.store.SetSubscription(ctx, userID, update, true); err != nil {
		return "", fmt.Errorf("failed to write subscription: %w", err)
	}
	if err := p.invalidate(ctx, userID); err != nil {
		return "", err
	}

	var previous gogate.Tier
	if existing != nil {
		previous = existing.Tier
	}
	merged := update.Apply(userID, existing)
	if previous != merged.Tier {
		p.metrics.RecordTierChange(providerName, previous, merged.Tier)
	}

	p.logger.Info("Subscription updated from billing event",
		gogate.Field{Key: "userId", Value: userID},
		gogate.Field{Key: "eventType", Value: eventType},
		gogate.Field{Key: "tier", Value: merged.Tier},
		gogate.Field{Key: "status", Value: merged.Status},
	)

	if p.callback != nil {
		cbErr := p.callback(ctx, billing.WebhookEvent{
			UserID:         userID,
			PreviousTier:   previous,
			NewTier:        merged.Tier,
			Status:         merged.Status,
			Provider:       providerName,
			EventType:      eventType,
			EventTimestamp: eventTime,
			PeriodEnd:      merged.CurrentPeriodEnd,
			Metadata:       metadata,
		})
		if cbErr != nil {
			p.logger.Warn("Webhook callback failed",
				gogate.Field{Key: "userId", Value: userID},
				gogate.Field{Key: "error", Value: cbErr},
			)
		}
	}

	return statusSuccess, nil
}

func (p *Provider) invalidate(ctx context.Context, userID string) error {
	if p.invalidator == nil {
		return nil
	}
	if err := p.invalidator.Invalidate(ctx, userID); err != nil {
		p.metrics.RecordInvalidationFailure(providerName)
		return fmt.Errorf("failed to invalidate cached decisions: %w", err)
	}
	return nil
}

// extractUserIDFromSubscription reads user_id from subscription or customer metadata
func (p *Provider) extractUserIDFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := sub.Metadata[metadataUserID]; userID != "" {
		return userID, nil
	}

	if sub.Customer != nil {
		if userID := sub.Customer.Metadata[metadataUserID]; userID != "" {
			return userID, nil
		}
		if sub.Customer.ID != "" {
			cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
			if err == nil && cust.Metadata[metadataUserID] != "" {
				return cust.Metadata[metadataUserID], nil
			}
		}
	}

	return "", fmt.Errorf("metadata.user_id missing on subscription %s", sub.ID)
}

// updateFromSubscription maps a Stripe subscription onto a full update. The
// tier is the highest-ranked mapped price among its items; the period comes
// from that item.
func (p *Provider) updateFromSubscription(sub *stripe.Subscription) *gogate.SubscriptionUpdate {
	tier := p.defaultTier
	var best *stripe.SubscriptionItem
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			itemTier := p.itemTier(item)
			if best == nil || itemTier.Rank() > tier.Rank() {
				best = item
				tier = itemTier
			}
		}
	}

	status := mapStatus(sub.Status)
	update := &gogate.SubscriptionUpdate{Tier: &tier, Status: &status}
	if best != nil {
		if best.CurrentPeriodStart > 0 {
			t := time.Unix(best.CurrentPeriodStart, 0).UTC()
			update.CurrentPeriodStart = &t
		}
		if best.CurrentPeriodEnd > 0 {
			t := time.Unix(best.CurrentPeriodEnd, 0).UTC()
			update.CurrentPeriodEnd = &t
		}
	}
	return update
}

func (p *Provider) itemTier(item *stripe.SubscriptionItem) gogate.Tier {
	if item == nil || item.Price == nil {
		return p.defaultTier
	}
	if tier, ok := p.lookupTier(item.Price.ID); ok {
		return tier
	}
	if item.Price.Product != nil {
		if tier, ok := p.lookupTier(item.Price.Product.ID); ok {
			return tier
		}
	}
	return p.defaultTier
}

func mapStatus(s stripe.SubscriptionStatus) gogate.Status {
	switch s {
	case stripe.SubscriptionStatusActive:
		return gogate.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return gogate.StatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return gogate.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return gogate.StatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return gogate.StatusUnpaid
	case stripe.SubscriptionStatusPaused:
		return gogate.StatusPaused
	case stripe.SubscriptionStatusIncompleteExpired:
		return gogate.StatusExpired
	default:
		return gogate.StatusIncomplete
	}
}

// invoiceSubscriptionID reads the subscription ID from an invoice payload,
// either the legacy top-level field or parent.subscription_details.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var payload struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	if id := expandableID(payload.Subscription); id != "" {
		return id
	}
	if payload.Parent != nil && payload.Parent.SubscriptionDetails != nil {
		return expandableID(payload.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// expandableID accepts either "sub_123" or {"id": "sub_123", ...}.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func subscriptionMetadata(sub *stripe.Subscription) map[string]interface{} {
	md := map[string]interface{}{"subscriptionId": sub.ID}
	if sub.Customer != nil {
		md["customerId"] = sub.Customer.ID
	}
	for k, v := range sub.Metadata {
		md[k] = v
	}
	return md
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
