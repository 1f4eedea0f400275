package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gogate/pkg/billing"
	"github.com/mihaimyh/gogate/storage/memory"
)

const (
	testSecret     = "whsec_test_secret"
	testUserID     = "user1"
	testCustomerID = "cus_test"
)

var (
	periodStart = time.Now().UTC().Truncate(time.Second).AddDate(0, 0, -1)
	periodEnd   = periodStart.AddDate(0, 1, 0)
)

var testTierMapping = map[string]string{
	"price_basic_monthly": "basic",
	"price_pro_monthly":   "pro",
	"prod_enterprise":     "enterprise",
	"*":                   "free",
}

// recordingInvalidator records invalidated users.
type recordingInvalidator struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return r.err
}

func (r *recordingInvalidator) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

// fakeStripe serves the subset of the Stripe API the provider calls.
type fakeStripe struct {
	mu            sync.Mutex
	subscriptions map[string]map[string]interface{}
	customers     map[string]map[string]interface{}
	updates       []string
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{
		subscriptions: make(map[string]map[string]interface{}),
		customers:     make(map[string]map[string]interface{}),
	}
}

func (f *fakeStripe) addSubscription(sub map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[sub["id"].(string)] = sub
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	switch {
	case path == "subscriptions" && r.Method == http.MethodGet:
		customer := r.URL.Query().Get("customer")
		data := []interface{}{}
		for _, sub := range f.subscriptions {
			if sub["customer"] == customer {
				data = append(data, sub)
			}
		}
		writeList(w, "/v1/subscriptions", data)
	case strings.HasPrefix(path, "subscriptions/"):
		id := strings.TrimPrefix(path, "subscriptions/")
		sub, ok := f.subscriptions[id]
		if !ok {
			writeNotFound(w)
			return
		}
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			if userID := r.PostForm.Get("metadata[user_id]"); userID != "" {
				sub["metadata"] = map[string]interface{}{"user_id": userID}
				f.updates = append(f.updates, id)
			}
		}
		_ = json.NewEncoder(w).Encode(sub)
	case path == "customers/search":
		data := []interface{}{}
		for _, cust := range f.customers {
			data = append(data, cust)
		}
		writeList(w, "/v1/customers/search", data)
	case strings.HasPrefix(path, "customers/"):
		cust, ok := f.customers[strings.TrimPrefix(path, "customers/")]
		if !ok {
			writeNotFound(w)
			return
		}
		_ = json.NewEncoder(w).Encode(cust)
	default:
		writeNotFound(w)
	}
}

func writeList(w http.ResponseWriter, url string, data []interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object":   "list",
		"url":      url,
		"has_more": false,
		"data":     data,
	})
}

func writeNotFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"type": "invalid_request_error", "message": "No such object"},
	})
}

func subscriptionObject(id, status, priceID string, metadata map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"object":   "subscription",
		"status":   status,
		"customer": testCustomerID,
		"created":  periodStart.Unix(),
		"metadata": metadata,
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":                   "si_" + id,
					"object":               "subscription_item",
					"current_period_start": periodStart.Unix(),
					"current_period_end":   periodEnd.Unix(),
					"price": map[string]interface{}{
						"id":      priceID,
						"object":  "price",
						"product": "prod_" + priceID,
					},
				},
			},
		},
	}
}

type testEnv struct {
	provider    *Provider
	store       *memory.Storage
	invalidator *recordingInvalidator
	stripe      *fakeStripe
	events      []billing.WebhookEvent
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:       memory.New(),
		invalidator: &recordingInvalidator{},
		stripe:      newFakeStripe(),
	}
	srv := httptest.NewServer(env.stripe)
	t.Cleanup(srv.Close)

	cfg := Config{
		Config: billing.Config{
			Store:       env.store,
			Invalidator: env.invalidator,
			TierMapping: testTierMapping,
			WebhookCallback: func(_ context.Context, ev billing.WebhookEvent) error {
				env.events = append(env.events, ev)
				return nil
			},
		},
		StripeAPIKey:        "sk_test_123",
		StripeWebhookSecret: testSecret,
		Backends: stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String(srv.URL),
			HTTPClient:        srv.Client(),
			MaxNetworkRetries: stripe.Int64(0),
		}),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	provider, err := NewProvider(cfg)
	require.NoError(t, err)
	env.provider = provider
	return env
}

// signedEvent builds a webhook request carrying object under a fresh event
// ID, signed with testSecret.
func signedEvent(t *testing.T, eventType string, created time.Time, object interface{}) *http.Request {
	t.Helper()
	return signedEventWithID(t, "evt_"+uuid.NewString(), eventType, created, object)
}

func signedEventWithID(t *testing.T, id, eventType string, created time.Time, object interface{}) *http.Request {
	t.Helper()

	raw, err := json.Marshal(object)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func (env *testEnv) deliver(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(w, req)
	return w
}
