package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gogate/pkg/gogate"
	prommetrics "github.com/mihaimyh/gogate/pkg/gogate/metrics/prometheus"
	"github.com/mihaimyh/gogate/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Storage) {
	t.Helper()

	registry := prometheus.NewRegistry()
	store := memory.New()
	engine, err := gogate.NewEngine(gogate.Config{
		Subscriptions: store,
		Usage:         store,
		Location:      time.UTC,
		Metrics:       prommetrics.NewMetrics(registry, "test"),
	})
	require.NoError(t, err)

	handler, err := newRouter(routerDeps{
		engine:     engine,
		gatherer:   registry,
		userHeader: "X-User-ID",
		logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, userID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRouter_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_AccessAPI(t *testing.T) {
	srv, store := newTestServer(t)
	store.PutSubscription(&gogate.Subscription{
		UserID: "user1", Tier: gogate.TierPro, Status: gogate.StatusActive, UpdatedAt: time.Now(),
	})

	resp := do(t, http.MethodGet, srv.URL+"/v1/users/user1/access/analytics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decision gogate.AccessDecision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decision))
	assert.True(t, decision.HasAccess)
	assert.Equal(t, gogate.ReasonGranted, decision.ReasonCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/users/user1/tier-check/enterprise", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tierDecision gogate.TierDecision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tierDecision))
	assert.False(t, tierDecision.HasAccess)
	assert.Equal(t, gogate.TierPro, tierDecision.CurrentTier)

	resp = do(t, http.MethodGet, srv.URL+"/v1/users/user1/tier-check/platinum", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/users/user1/features", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/users/user1/usage/ai_suggestions", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/users/nobody/usage/ai_suggestions", "")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/users/user1/invalidate", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRouter_GatedEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	store.PutSubscription(&gogate.Subscription{
		UserID: "user1", Tier: gogate.TierFree, Status: gogate.StatusActive, UpdatedAt: time.Now(),
	})

	for i := 0; i < 3; i++ {
		resp := do(t, http.MethodPost, srv.URL+"/v1/gate/pdf-export", "user1")
		require.Equal(t, http.StatusOK, resp.StatusCode, "export %d", i+1)
	}
	resp := do(t, http.MethodPost, srv.URL+"/v1/gate/pdf-export", "user1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/gate/ai-suggestions", "user1")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/gate/enterprise", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/webhooks/stripe", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "webhooks are not mounted without stripe")
}

func TestRouter_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodGet, srv.URL+"/v1/users/user1/access/basic_templates", "")

	resp := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "test_access_decisions_total"))
}
