package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/mihaimyh/gogate/pkg/billing"
	"github.com/mihaimyh/gogate/pkg/billing/stripe"
	"github.com/mihaimyh/gogate/pkg/gogate"
	"github.com/mihaimyh/gogate/storage/memory"
)

func main() {
	// 1. Create the gogate engine
	storage := memory.New()
	engine, err := gogate.NewEngine(gogate.Config{
		Subscriptions: storage,
		Usage:         storage,
	})
	if err != nil {
		log.Fatal(err)
	}

	// 2. Create the Stripe billing provider. The engine is the invalidator so
	// a webhook is visible to the very next access check.
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:       storage,
			Invalidator: engine,
			TierMapping: map[string]string{
				"price_basic_monthly": "basic",
				"price_pro_monthly":   "pro",
				"price_pro_annual":    "pro",
				"prod_enterprise":     "enterprise",
				"*":                   "free", // Default tier for unknown prices
			},
		},
		StripeAPIKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	})
	if err != nil {
		log.Fatal(err)
	}

	// 3. Register webhook endpoint
	http.Handle("/webhooks/stripe", provider.WebhookHandler())

	// 4. Register sync endpoint
	// Users can call this after checkout to refresh their subscription
	http.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}

		tier, err := provider.SyncUser(r.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"user_id": userID,
			"tier":    string(tier),
		})
	})

	// 5. Register checkout endpoint
	http.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		tier, err := gogate.ParseTier(r.URL.Query().Get("tier"))
		if userID == "" || err != nil {
			http.Error(w, "user_id and a valid tier required", http.StatusBadRequest)
			return
		}

		url, err := provider.CheckoutURL(r.Context(), userID, tier,
			"http://localhost:8080/sync?user_id="+userID, "http://localhost:8080/")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, url, http.StatusSeeOther)
	})

	// 6. Example: check access to a gated feature
	http.HandleFunc("/api/analytics", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}

		decision, err := engine.CheckAccess(r.Context(), userID, gogate.FeatureAnalytics)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(decision)
	})

	// 7. Start server
	log.Println("Server starting on :8080")
	log.Println("Webhook endpoint: http://localhost:8080/webhooks/stripe")
	log.Println("Checkout: http://localhost:8080/checkout?user_id=USER_ID&tier=pro")
	log.Fatal(http.ListenAndServe(":8080", nil))
}
