package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LinkRequestCreated()
		m.LinkCompleted("approved")
		m.Polled("pending")
		m.TokenDelivered()
		m.RateLimited("status")
		m.SweeperRows("expired", 3)
	})
	assert.Nil(t, m.Registry())

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := m.Middleware(next)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.LinkRequestCreated()
	m.LinkRequestCreated()
	m.LinkCompleted("approved")
	m.LinkCompleted("expired")
	m.Polled("pending")
	m.TokenDelivered()
	m.SweeperRows("deleted", 4)
	m.SweeperRows("deleted", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.linkRequestsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linksCompleted.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linksCompleted.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokensDelivered))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sweeperRows.WithLabelValues("deleted")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/device/status/{deviceLinkId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	for _, id := range []string{"link_a", "link_b", "link_c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/device/status/"+id, nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	expected := `
# HELP devicelink_http_requests_total Count of processed HTTP requests
# TYPE devicelink_http_requests_total counter
devicelink_http_requests_total{method="GET",route="/api/device/status/{deviceLinkId}",status="202"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "devicelink_http_requests_total"))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.TokenDelivered()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "devicelink_tokens_delivered_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
