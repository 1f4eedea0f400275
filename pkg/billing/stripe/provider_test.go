package stripe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gogate/pkg/billing"
	"github.com/mihaimyh/gogate/pkg/gogate"
	"github.com/mihaimyh/gogate/storage/memory"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:    "missing store",
			config:  Config{StripeAPIKey: "sk_test"},
			wantErr: billing.ErrProviderNotConfigured,
		},
		{
			name:    "missing api key",
			config:  Config{Config: billing.Config{Store: memory.New()}},
			wantErr: billing.ErrProviderNotConfigured,
		},
		{
			name: "unknown tier",
			config: Config{
				Config:       billing.Config{Store: memory.New(), TierMapping: map[string]string{"price_x": "platinum"}},
				StripeAPIKey: "sk_test",
			},
			wantErr: gogate.ErrInvalidTier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.config)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("base config fallbacks", func(t *testing.T) {
		p, err := NewProvider(Config{Config: billing.Config{
			Store:         memory.New(),
			APIKey:        "sk_test",
			WebhookSecret: testSecret,
		}})
		require.NoError(t, err)
		assert.Equal(t, "stripe", p.Name())
		assert.Equal(t, testSecret, p.webhookSecret)
		assert.Equal(t, gogate.TierFree, p.DefaultTier())
	})
}

func TestProvider_MapPriceToTier(t *testing.T) {
	p, err := NewProvider(Config{
		Config: billing.Config{
			Store: memory.New(),
			TierMapping: map[string]string{
				"price_Pro":   "pro",
				" price_b ":   "basic",
				"default":     "basic",
				"prod_ent_01": "enterprise",
			},
		},
		StripeAPIKey: "sk_test",
	})
	require.NoError(t, err)

	assert.Equal(t, gogate.TierPro, p.MapPriceToTier("price_Pro"))
	assert.Equal(t, gogate.TierBasic, p.MapPriceToTier("price_pro"), "price IDs are case sensitive")
	assert.Equal(t, gogate.TierBasic, p.MapPriceToTier("price_b"))
	assert.Equal(t, gogate.TierEnterprise, p.MapPriceToTier("prod_ent_01"))
	assert.Equal(t, gogate.TierBasic, p.MapPriceToTier("price_unknown"))
	assert.Equal(t, gogate.TierBasic, p.MapPriceToTier(""))
	assert.Equal(t, gogate.TierBasic, p.DefaultTier())
}

func TestProvider_UpdateFromSubscription(t *testing.T) {
	env := newTestEnv(t)
	later := periodEnd.AddDate(0, 1, 0)

	sub := &stripe.Subscription{
		ID:     "sub_multi",
		Status: stripe.SubscriptionStatusTrialing,
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{
				Price:              &stripe.Price{ID: "price_basic_monthly"},
				CurrentPeriodStart: periodStart.Unix(),
				CurrentPeriodEnd:   periodEnd.Unix(),
			},
			{
				Price:              &stripe.Price{ID: "price_other", Product: &stripe.Product{ID: "prod_enterprise"}},
				CurrentPeriodStart: periodStart.Unix(),
				CurrentPeriodEnd:   later.Unix(),
			},
			{Price: &stripe.Price{ID: "price_pro_monthly"}},
		}},
	}

	update := env.provider.updateFromSubscription(sub)
	require.NotNil(t, update.Tier)
	assert.Equal(t, gogate.TierEnterprise, *update.Tier, "highest ranked item wins, matched by product")
	assert.Equal(t, gogate.StatusTrialing, *update.Status)
	require.NotNil(t, update.CurrentPeriodEnd)
	assert.True(t, later.Equal(*update.CurrentPeriodEnd))

	empty := env.provider.updateFromSubscription(&stripe.Subscription{Status: stripe.SubscriptionStatusActive})
	assert.Equal(t, gogate.TierFree, *empty.Tier)
	assert.Nil(t, empty.CurrentPeriodStart)
	assert.Nil(t, empty.CurrentPeriodEnd)
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   stripe.SubscriptionStatus
		want gogate.Status
	}{
		{stripe.SubscriptionStatusActive, gogate.StatusActive},
		{stripe.SubscriptionStatusTrialing, gogate.StatusTrialing},
		{stripe.SubscriptionStatusPastDue, gogate.StatusPastDue},
		{stripe.SubscriptionStatusCanceled, gogate.StatusCanceled},
		{stripe.SubscriptionStatusUnpaid, gogate.StatusUnpaid},
		{stripe.SubscriptionStatusPaused, gogate.StatusPaused},
		{stripe.SubscriptionStatusIncomplete, gogate.StatusIncomplete},
		{stripe.SubscriptionStatusIncompleteExpired, gogate.StatusExpired},
		{"something_new", gogate.StatusIncomplete},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapStatus(tt.in), string(tt.in))
	}
}

func TestBestSubscription(t *testing.T) {
	env := newTestEnv(t)
	item := func(price string) *stripe.SubscriptionItemList {
		return &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: price}}}}
	}

	canceledPro := &stripe.Subscription{ID: "a", Status: stripe.SubscriptionStatusCanceled, Items: item("price_pro_monthly"), Created: 3}
	activeBasic := &stripe.Subscription{ID: "b", Status: stripe.SubscriptionStatusActive, Items: item("price_basic_monthly"), Created: 1}
	newerBasic := &stripe.Subscription{ID: "c", Status: stripe.SubscriptionStatusTrialing, Items: item("price_basic_monthly"), Created: 2}
	activePro := &stripe.Subscription{ID: "d", Status: stripe.SubscriptionStatusActive, Items: item("price_pro_monthly"), Created: 0}

	assert.Nil(t, env.provider.bestSubscription(nil))
	assert.Equal(t, "b", env.provider.bestSubscription([]*stripe.Subscription{canceledPro, activeBasic}).ID)
	assert.Equal(t, "c", env.provider.bestSubscription([]*stripe.Subscription{activeBasic, newerBasic}).ID)
	assert.Equal(t, "d", env.provider.bestSubscription([]*stripe.Subscription{canceledPro, newerBasic, activePro}).ID)
}

func TestPriceIDForTier(t *testing.T) {
	p, err := NewProvider(Config{
		Config: billing.Config{
			Store:       memory.New(),
			TierMapping: map[string]string{"price_pro_b": "pro", "price_pro_a": "pro", "price_basic": "basic"},
		},
		StripeAPIKey: "sk_test",
	})
	require.NoError(t, err)

	assert.Equal(t, "price_pro_a", p.priceIDForTier(gogate.TierPro))
	assert.Equal(t, "price_basic", p.priceIDForTier(gogate.TierBasic))
	assert.Empty(t, p.priceIDForTier(gogate.TierEnterprise))
}

func TestInvoiceSubscriptionID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"legacy string", `{"subscription":"sub_1"}`, "sub_1"},
		{"legacy expanded", `{"subscription":{"id":"sub_2","object":"subscription"}}`, "sub_2"},
		{"parent details", `{"parent":{"subscription_details":{"subscription":"sub_3"}}}`, "sub_3"},
		{"one-off invoice", `{"id":"in_1","subscription":null}`, ""},
		{"garbage", `not json`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, invoiceSubscriptionID([]byte(tt.raw)))
		})
	}
}
