package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
)

func TestHandlerExposesWorkerMetrics(t *testing.T) {
	m := metrics.New()
	m.FetchAttempts.Add(3)
	m.FetchFailures.WithLabelValues("permanent").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "inverter_telemetry_fetch_attempts_total 3"))
	assert.True(t, strings.Contains(body, `inverter_telemetry_fetch_failures_total{class="permanent"} 1`))
}

func TestIndependentRegistries(t *testing.T) {
	a := metrics.New()
	b := metrics.New()

	a.VoltageDiffAlerts.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.VoltageDiffAlerts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.VoltageDiffAlerts))
}
