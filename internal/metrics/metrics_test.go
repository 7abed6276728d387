package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New()

	m.Decisions.WithLabelValues("guard", "deny").Inc()
	m.FailOpen.WithLabelValues("tracker", "is_ip_flagged").Add(2)
	m.ObserveBreaker("ephemeral-store", gobreaker.StateClosed, gobreaker.StateOpen)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Decisions.WithLabelValues("guard", "deny")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.FailOpen.WithLabelValues("tracker", "is_ip_flagged")))
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(m.BreakerState.WithLabelValues("ephemeral-store")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bastion_decisions_total")
}

func TestNew_IndependentRegistries(t *testing.T) {
	var a, b *Metrics
	assert.NotPanics(t, func() {
		a = New()
		b = New()
	})
	assert.NotSame(t, a.Registry(), b.Registry())
}
