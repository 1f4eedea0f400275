package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestPrometheusMetrics_RecordDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordDecision("analytics", gogate.ReasonGranted, true, 5*time.Millisecond)
	metrics.RecordDecision("analytics", gogate.ReasonTierTooLow, false, time.Millisecond)
	metrics.RecordDecision("analytics", gogate.ReasonTierTooLow, false, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		metrics.decisionsTotal.WithLabelValues("analytics", "tier-too-low", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.decisionsTotal.WithLabelValues("analytics", "granted", "true")))

	mf := findMetric(t, reg, "test_access_decision_duration_seconds")
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, uint64(3), mf.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheusMetrics_Cache(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCacheHit(gogate.CacheKindDecision)
	metrics.RecordCacheHit(gogate.CacheKindDecision)
	metrics.RecordCacheMiss(gogate.CacheKindSubscription)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.cacheHitsTotal.WithLabelValues("decision")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheMissesTotal.WithLabelValues("subscription")))
}

func TestPrometheusMetrics_Store(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStoreOperation("get_subscription", time.Millisecond, nil)
	metrics.RecordStoreOperation("get_subscription", time.Millisecond, errors.New("down"))
	metrics.RecordUsageFailOpen("pdf_export")
	metrics.RecordUsageEvent("pdf_export", nil)
	metrics.RecordUsageEvent("pdf_export", errors.New("down"))
	metrics.RecordCircuitBreakerStateChange("open")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.storeOpsErrors.WithLabelValues("get_subscription")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.usageFailOpenTotal.WithLabelValues("pdf_export")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.usageEventsTotal.WithLabelValues("pdf_export", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.circuitBreakerStateChanges.WithLabelValues("open")))
}
