package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandler(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/graphql", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/graphql", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/graphql", "418")))

	other := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "other", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/doctors/d1", nil))
	assert.Equal(t, other+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "other", "418")))
}

func TestRecorders(t *testing.T) {
	RecordOperation("query", "ok")
	assert.GreaterOrEqual(t, testutil.ToFloat64(operations.WithLabelValues("query", "ok")), 1.0)

	rejected := testutil.ToFloat64(rateLimitRejections.WithLabelValues("doctor"))
	RecordRateLimitRejection("doctor")
	assert.Equal(t, rejected+1, testutil.ToFloat64(rateLimitRejections.WithLabelValues("doctor")))

	failures := testutil.ToFloat64(loaderFailures.WithLabelValues("doctors"))
	ObserveBatch("doctors", 3, false)
	ObserveBatch("doctors", 2, true)
	assert.Equal(t, failures+1, testutil.ToFloat64(loaderFailures.WithLabelValues("doctors")))

	calls := testutil.ToFloat64(upstreamCalls.WithLabelValues("patients", "error"))
	ObserveUpstream("patients", "error", 20*time.Millisecond)
	assert.Equal(t, calls+1, testutil.ToFloat64(upstreamCalls.WithLabelValues("patients", "error")))

	active := testutil.ToFloat64(activeSubscriptions)
	SubscriptionStarted()
	SubscriptionStarted()
	SubscriptionEnded()
	assert.Equal(t, active+1, testutil.ToFloat64(activeSubscriptions))
	SubscriptionEnded()
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordWebhook("appointment.created", "accepted")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hospital_gateway_webhooks_events_total")
}

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"/graphql":                       "/graphql",
		"/health":                        "/health",
		"/webhooks/appointments/created": "/webhooks/appointments/created",
		"/patients/p1":                   "other",
	}
	for in, want := range tests {
		assert.Equal(t, want, canonicalPath(in), in)
	}
}
