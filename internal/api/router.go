package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/pkg/metrics"
	"github.com/witlox/breakglass/pkg/telemetry"
)

// ServiceName labels traces emitted by the HTTP surface.
const ServiceName = "breakglass"

// RouterConfig holds router configuration.
type RouterConfig struct {
	Logger           *slog.Logger
	Version          string
	MiddlewareConfig *MiddlewareConfig
	RateLimiter      RateLimiter
	// Metrics instruments requests when set.
	Metrics *metrics.ServiceMetrics
	// Gatherer backs /metrics; nil uses the process registry.
	Gatherer prometheus.Gatherer
	// Tracing wraps requests in spans.
	Tracing bool
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() *RouterConfig {
	cfg := DefaultMiddlewareConfig()
	return &RouterConfig{
		Logger:           slog.Default(),
		Version:          "dev",
		MiddlewareConfig: cfg,
		RateLimiter:      NewInMemoryRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, nil),
	}
}

// Services holds all service dependencies for the API.
type Services struct {
	Incidents IncidentService
	Audit     audit.Service
	Health    *HealthChecker
}

// NewRouter creates a new chi router with all middleware and routes.
func NewRouter(config *RouterConfig, services *Services) chi.Router {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if config.MiddlewareConfig == nil {
		config.MiddlewareConfig = DefaultMiddlewareConfig()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(config.Logger))
	r.Use(LoggingMiddleware(config.Logger))
	r.Use(middleware.RealIP)
	if config.Tracing {
		r.Use(telemetry.Middleware(ServiceName, metrics.SanitizePath))
	}
	if config.Metrics != nil {
		r.Use(metrics.Middleware(config.Metrics))
	}
	r.Use(AuthMiddleware(config.MiddlewareConfig))
	if config.RateLimiter != nil && config.MiddlewareConfig.RateLimit > 0 {
		r.Use(RateLimitMiddleware(config.RateLimiter, config.MiddlewareConfig))
	}

	registerHealthRoutes(r, config, services)
	registerIncidentRoutes(r, services)
	registerAuditRoutes(r, services)

	return r
}

func registerHealthRoutes(r chi.Router, config *RouterConfig, services *Services) {
	var checker *HealthChecker
	if services != nil {
		checker = services.Health
	}
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		resp := HealthResponse{Status: "healthy", Version: config.Version}
		if checker != nil {
			result := checker.Check(req.Context())
			resp.Status = result.Status
			resp.Components = result.Components
		}
		status := http.StatusOK
		if resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})
	r.Get("/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	if config.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.HandlerFor(config.Gatherer))
	} else {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
}

// HealthResponse represents health check response.
type HealthResponse struct {
	Status     string                            `json:"status"`
	Version    string                            `json:"version"`
	Components map[string]*ComponentHealthResult `json:"components,omitempty"`
}

func registerIncidentRoutes(r chi.Router, services *Services) {
	if services == nil || services.Incidents == nil {
		return
	}
	handler := NewIncidentHandler(services.Incidents)
	r.Route("/api/v1/incidents", func(r chi.Router) {
		r.Get("/", handler.List)
		r.Get("/{id}", handler.Get)
		r.Post("/{id}/revoke", handler.Revoke)
		r.Post("/{id}/rotate", handler.Rotate)
	})
}

func registerAuditRoutes(r chi.Router, services *Services) {
	if services == nil || services.Audit == nil {
		return
	}
	handler := NewAuditHandler(services.Audit)
	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Get("/", handler.Query)
		r.Get("/export", handler.Export)
		r.Get("/verify", handler.Verify)
	})
}
