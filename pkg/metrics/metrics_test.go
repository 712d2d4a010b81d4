package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRegistry(t *testing.T) {
	reg := GetRegistry()
	require.NotNil(t, reg)

	reg2 := GetRegistry()
	assert.Same(t, reg, reg2)
}

func TestResetRegistry(t *testing.T) {
	before := GetRegistry()
	ResetRegistry()
	after := GetRegistry()
	assert.NotSame(t, before, after)
	assert.Same(t, after, GetRegistry())
}

func TestNewServiceMetrics(t *testing.T) {
	m := NewServiceMetrics(prometheus.NewRegistry(), "1.0.0")
	require.NotNil(t, m)
	assert.NotNil(t, m.RequestsTotal)
	assert.NotNil(t, m.RequestDuration)
	assert.NotNil(t, m.ActiveRequests)
	assert.NotNil(t, m.ServiceInfo)
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/api/v1/incidents/0192f0c4-1b2c-7d3e", "/api/v1/incidents/{incident_id}"},
		{"/api/v1/incidents/0192f0c4/revoke", "/api/v1/incidents/{incident_id}/revoke"},
		{"/api/v1/incidents", "/api/v1/incidents"},
		{"/api/v1/accessors/abc/incident", "/api/v1/accessors/{accessor}/incident"},
		{"/health", "/health"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizePath(tt.input))
		})
	}
}

func TestSanitizePath_Token(t *testing.T) {
	result := SanitizePath("/debug/hvs.CAESIJ2x9abc")
	assert.NotContains(t, result, "hvs.")
	assert.Contains(t, result, "{token}")
}

func TestHandler(t *testing.T) {
	ResetRegistry()
	handler := Handler()
	require.NotNil(t, handler)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestMiddleware(t *testing.T) {
	m := NewServiceMetrics(prometheus.NewRegistry(), "test")
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/incidents/abc/revoke", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	count, err := m.RequestsTotal.GetMetricWithLabelValues("POST", "/api/v1/incidents/{incident_id}/revoke", "202")
	require.NoError(t, err)
	assert.NotNil(t, count)
}
