package api_test

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witlox/breakglass/internal/api"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/testutil"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/metrics"
	"github.com/witlox/breakglass/pkg/models"
	clocktesting "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeIncidents struct {
	incidents map[string]*models.Incident
	revokeErr error
	rotateErr error
	rotated   *models.RotationResult
}

func newFakeIncidents() *fakeIncidents {
	return &fakeIncidents{incidents: map[string]*models.Incident{
		"inc-1": testutil.TestIncident("inc-1", models.IncidentStatusRevoked, t0, time.Hour),
		"inc-2": testutil.TestIncident("inc-2", models.IncidentStatusActive, t0.Add(2*time.Hour), time.Hour),
	}}
}

func (f *fakeIncidents) Incident(_ context.Context, ref string) (*models.Incident, error) {
	for _, inc := range f.incidents {
		if inc.ID == ref || inc.TokenAccessor == ref {
			return inc, nil
		}
	}
	return nil, fmt.Errorf("no incident matches %q: %w", ref, errors.ErrUnknownIncident)
}

func (f *fakeIncidents) Status(_ context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error) {
	var out []*models.Incident
	for _, id := range []string{"inc-1", "inc-2"} {
		inc := f.incidents[id]
		if len(statuses) == 0 || inc.Status == statuses[0] {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (f *fakeIncidents) Revoke(ctx context.Context, ref string) (*models.Incident, error) {
	if f.revokeErr != nil {
		return nil, f.revokeErr
	}
	inc, err := f.Incident(ctx, ref)
	if err != nil {
		return nil, err
	}
	inc.Status = models.IncidentStatusRevoked
	return inc, nil
}

func (f *fakeIncidents) Rotate(_ context.Context, ref string) (*models.RotationResult, error) {
	return f.rotated, f.rotateErr
}

type fixture struct {
	incidents *fakeIncidents
	audit     audit.Service
	router    chi.Router
}

func newFixture(t *testing.T, mw *api.MiddlewareConfig) *fixture {
	t.Helper()
	svc := audit.NewService(audit.NewMemoryRepository(),
		audit.WithClock(clocktesting.NewFakeClock(t0)),
		audit.WithLogger(testutil.TestLogger()),
	)
	t.Cleanup(svc.Close)
	ctx := context.Background()
	require.NoError(t, svc.Log(ctx, &models.AuditEvent{Kind: models.AuditIncidentCreated, Operator: "alice"}))
	require.NoError(t, svc.Log(ctx, &models.AuditEvent{Kind: models.AuditIncidentRevoked, Operator: "alice"}))

	health := api.NewHealthChecker(testutil.TestLogger())
	health.Register("store", func(context.Context) error { return nil })

	reg := prometheus.NewRegistry()
	incidents := newFakeIncidents()
	router := api.NewRouter(&api.RouterConfig{
		Logger:           testutil.TestLogger(),
		Version:          "test",
		MiddlewareConfig: mw,
		Metrics:          metrics.NewServiceMetrics(reg, "test"),
		Gatherer:         reg,
	}, &api.Services{Incidents: incidents, Audit: svc, Health: health})

	return &fixture{incidents: incidents, audit: svc, router: router}
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t, &api.MiddlewareConfig{APIToken: "secret", SkipPaths: []string{"/health", "/live", "/metrics"}})

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Contains(t, resp.Components, "store")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "breakglass_")
}

func TestRouter_UnhealthyComponent(t *testing.T) {
	svc := audit.NewService(audit.NewMemoryRepository(), audit.WithLogger(testutil.TestLogger()))
	t.Cleanup(svc.Close)
	health := api.NewHealthChecker(testutil.TestLogger())
	health.Register("vault", func(context.Context) error { return goerrors.New("sealed") })

	router := api.NewRouter(&api.RouterConfig{Logger: testutil.TestLogger(), Gatherer: prometheus.NewRegistry()},
		&api.Services{Audit: svc, Health: health})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "sealed")
}

func TestRouter_Authentication(t *testing.T) {
	f := newFixture(t, &api.MiddlewareConfig{APIToken: "secret", SkipPaths: []string{"/health"}})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIncidentHandler(t *testing.T) {
	f := newFixture(t, &api.MiddlewareConfig{})

	t.Run("list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/incidents", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Incidents []*models.Incident `json:"incidents"`
			Total     int                `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Total)
	})

	t.Run("list by status", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/incidents?status=active", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"inc-2"`)
		assert.NotContains(t, rec.Body.String(), `"inc-1"`)

		rec = f.do(t, http.MethodGet, "/api/v1/incidents?status=bogus", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get by accessor", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/incidents/acc-inc-1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"incident_id":"inc-1"`)
	})

	t.Run("unknown incident", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/incidents/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("revoke", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/incidents/inc-2/revoke", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"revoked"`)
	})

	t.Run("revoke incomplete", func(t *testing.T) {
		f.incidents.revokeErr = errors.NewRevocationPartialFailureError("inc-2", map[string]error{"policy": goerrors.New("vault down")})
		defer func() { f.incidents.revokeErr = nil }()
		rec := f.do(t, http.MethodPost, "/api/v1/incidents/inc-2/revoke", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("rotate needs manual action", func(t *testing.T) {
		f.incidents.rotated = &models.RotationResult{IncidentID: "inc-1", Status: models.RotationStatusManualRequired, Paths: []string{"secret/data/db"}}
		f.incidents.rotateErr = errors.NewRotationUnavailableError("inc-1", []string{"secret/data/db"}, goerrors.New("no service"))
		rec := f.do(t, http.MethodPost, "/api/v1/incidents/inc-1/rotate", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), "manual_required")
	})

	t.Run("rotate before revocation", func(t *testing.T) {
		f.incidents.rotated = nil
		f.incidents.rotateErr = fmt.Errorf("incident is active: %w", errors.ErrInvalidTransition)
		rec := f.do(t, http.MethodPost, "/api/v1/incidents/inc-2/rotate", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAuditHandler(t *testing.T) {
	f := newFixture(t, &api.MiddlewareConfig{})

	t.Run("query by kind", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/audit?kind=incident_revoked", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total":1`)
	})

	t.Run("bad query", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/audit?since=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("csv export", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/audit/export?format=csv", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
		assert.Len(t, lines, 3)
	})

	t.Run("unsupported export format", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/audit/export?format=xml", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("verify", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/audit/verify", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"valid":true`)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	cfg := &api.MiddlewareConfig{RateLimit: 2, RateLimitWindow: time.Minute, SkipPaths: []string{"/health"}}
	limiter := api.NewInMemoryRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, clk)
	handler := api.RateLimitMiddleware(limiter, cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("/api/v1/incidents").Code)
	assert.Equal(t, http.StatusNoContent, call("/api/v1/incidents").Code)
	limited := call("/api/v1/incidents")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "0", limited.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, call("/health").Code)

	clk.Step(time.Minute + time.Second)
	assert.Equal(t, http.StatusNoContent, call("/api/v1/incidents").Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := api.RecoveryMiddleware(testutil.TestLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

func TestServer_ServeUntilCancelled(t *testing.T) {
	f := newFixture(t, &api.MiddlewareConfig{})
	srv, err := api.NewServer(f.router, &api.ServerConfig{ShutdownTimeout: time.Second, Logger: testutil.TestLogger()})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	url := "http://" + listener.Addr().String() + "/live"
	testutil.RequireEventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond, "server did not come up")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewServer_RejectsHalfTLSConfig(t *testing.T) {
	_, err := api.NewServer(nil, &api.ServerConfig{TLSCertFile: "cert.pem"})
	assert.Error(t, err)
}
