package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	gogatehttp "github.com/mihaimyh/gogate/middleware/http"
	"github.com/mihaimyh/gogate/pkg/api"
	"github.com/mihaimyh/gogate/pkg/billing"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

// routerDeps is everything the HTTP surface needs.
type routerDeps struct {
	engine     *gogate.Engine
	gatherer   prometheus.Gatherer
	billing    billing.Provider // nil when Stripe is not configured
	userHeader string
	logger     zerolog.Logger
	gateLogger gogate.Logger
}

func newRouter(deps routerDeps) (http.Handler, error) {
	userFromPath := func(r *http.Request) string { return chi.URLParam(r, "userID") }

	accessAPI, err := api.NewHandler(api.Config{
		Engine:     deps.engine,
		GetUserID:  userFromPath,
		GetFeature: func(r *http.Request) string { return chi.URLParam(r, "feature") },
		GetTier:    func(r *http.Request) string { return chi.URLParam(r, "tier") },
		Logger:     deps.gateLogger,
	})
	if err != nil {
		return nil, err
	}

	gate := gogatehttp.Config{
		Engine:    deps.engine,
		GetUserID: gogatehttp.FromHeader(deps.userHeader),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(deps.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(deps.gatherer, promhttp.HandlerOpts{}))

	// The user comes from the path, so this tree belongs behind a gateway
	// that authenticates the caller as that user.
	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Get("/access/{feature}", accessAPI.GetAccess)
		r.Post("/usage/{feature}", accessAPI.PostUsage)
		r.Get("/tier-check/{tier}", accessAPI.GetTierCheck)
		r.Get("/features", accessAPI.GetFeatures)
		r.Post("/invalidate", invalidateHandler(deps.engine, userFromPath))
		if deps.billing != nil {
			r.Post("/sync", syncHandler(deps.billing, userFromPath))
		}
	})

	// Gated endpoints for callers that proxy the action through the server.
	r.Route("/v1/gate", func(r chi.Router) {
		r.With(gogatehttp.RequireFeature(gate, gogate.FeaturePDFExport)).
			Post("/pdf-export", accepted)
		r.With(gogatehttp.RequireFeature(gate, gogate.FeatureAISuggestions)).
			Post("/ai-suggestions", accepted)
		r.With(gogatehttp.RequireTier(gate, gogate.TierEnterprise)).
			Get("/enterprise", accepted)
	})

	if deps.billing != nil {
		r.Handle("/webhooks/"+deps.billing.Name(), deps.billing.WebhookHandler())
	}
	return r, nil
}

func accepted(w http.ResponseWriter, r *http.Request) {
	decision, _ := gogatehttp.DecisionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "decision": decision})
}

func invalidateHandler(engine *gogate.Engine, userID func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Invalidate(r.Context(), userID(r)); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, gogate.ErrInvalidUserID) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func syncHandler(provider billing.Provider, userID func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tier, err := provider.SyncUser(r.Context(), userID(r))
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"tier": string(tier)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// accessLog logs one line per request with the zerolog logger.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
