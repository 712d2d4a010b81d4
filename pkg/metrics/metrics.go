// Package metrics provides Prometheus metrics instrumentation for the broker.
// Labels never carry secrets or raw incident identifiers.
package metrics

import (
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "breakglass"

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	registryMu   sync.Mutex
)

// GetRegistry returns the process wide metrics registry.
func GetRegistry() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()
	registryOnce.Do(func() {
		registry = newRegistry()
	})
	return registry
}

// ResetRegistry resets the registry for testing purposes.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = newRegistry()
	registryOnce = sync.Once{}
	registryOnce.Do(func() {})
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// ServiceMetrics contains HTTP metrics for the watch daemon.
type ServiceMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	ServiceInfo     *prometheus.GaugeVec
}

// NewServiceMetrics creates HTTP metrics registered on reg, or on the
// process registry when reg is nil.
func NewServiceMetrics(reg prometheus.Registerer, version string) *ServiceMetrics {
	if reg == nil {
		reg = GetRegistry()
	}

	m := &ServiceMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "active_requests",
				Help:      "Number of active HTTP requests",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Broker build information",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.ActiveRequests, m.ServiceInfo)
	m.ServiceInfo.WithLabelValues(version, runtime.Version()).Set(1)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return HandlerFor(GetRegistry())
}

// HandlerFor returns a metrics handler for a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

var tokenPattern = regexp.MustCompile(`hv[sbr]\.[A-Za-z0-9_-]+`)

// SanitizePath converts a path with IDs to a template.
// Example: /api/v1/incidents/0192.../revoke -> /api/v1/incidents/{incident_id}/revoke
func SanitizePath(path string) string {
	patterns := map[string]string{
		"incidents": "{incident_id}",
		"accessors": "{accessor}",
	}

	segments := strings.Split(path, "/")
	for i := 0; i < len(segments)-1; i++ {
		if replacement, ok := patterns[segments[i]]; ok && segments[i+1] != "" {
			segments[i+1] = replacement
			i++
		}
	}
	return tokenPattern.ReplaceAllString(strings.Join(segments, "/"), "{token}")
}
