package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, r *Recorder, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestRecorderObserveEvaluate(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.ObserveEvaluate("tier1", "compliant", 250*time.Microsecond)
	r.ObserveEvaluate("pipeline", "non-compliant", 3*time.Millisecond)
	r.ObserveEvaluate("pipeline", "non-compliant", 2*time.Millisecond)

	family := findFamily(t, r, "complyd_evaluate_requests_total")
	require.NotNil(t, family)

	total := 0.0
	for _, metric := range family.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	require.Equal(t, 3.0, total)
}

func TestRecorderObserveCacheAndStage(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveCache("tier1", "get", "hit", time.Microsecond)
	r.ObserveCache("tier3", "put", "error", time.Millisecond)
	r.ObserveStage("domain", "success", 5*time.Millisecond)
	r.ObserveBreakerTransition("domain", "open")
	r.ObservePreFilter("reject")

	for _, name := range []string{
		"complyd_cache_operations_total",
		"complyd_pipeline_stage_executions_total",
		"complyd_pipeline_breaker_transitions_total",
		"complyd_cache_prefilter_checks_total",
	} {
		require.NotNil(t, findFamily(t, r, name), "expected family %s", name)
	}
}

func TestRecorderHandlerServesMetrics(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveEvaluate("tier2", "compliant", time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "complyd_evaluate_requests_total")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveEvaluate("tier1", "compliant", time.Millisecond)
	r.ObserveCache("tier1", "get", "hit", time.Millisecond)
	r.ObserveStage("syntax", "success", time.Millisecond)
	r.ObserveBreakerTransition("syntax", "closed")
	r.ObservePreFilter("hit")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
