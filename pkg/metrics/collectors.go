package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// BrokerMetrics contains metrics for the break-glass flow. A nil
// *BrokerMetrics is valid and records nothing.
type BrokerMetrics struct {
	IncidentsTotal       *prometheus.CounterVec
	ActiveIncidents      prometheus.Gauge
	SharesRejected       prometheus.Counter
	StageDuration        *prometheus.HistogramVec
	RevocationsTotal     *prometheus.CounterVec
	RevocationStepErrors *prometheus.CounterVec
	RotationsTotal       *prometheus.CounterVec
	RotationPending      prometheus.Gauge
}

// NewBrokerMetrics creates broker metrics registered on reg, or on the
// process registry when reg is nil.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	if reg == nil {
		reg = GetRegistry()
	}

	m := &BrokerMetrics{
		IncidentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "incidents",
				Name:      "total",
				Help:      "Incidents by terminal outcome",
			},
			[]string{"status"},
		),
		ActiveIncidents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "incidents",
				Name:      "active",
				Help:      "Incidents with a live emergency credential",
			},
		),
		SharesRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "shares_rejected_total",
				Help:      "Key shares rejected during collection",
			},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of broker stages",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage", "result"},
		),
		RevocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "revocation",
				Name:      "total",
				Help:      "Revocation attempts by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		RevocationStepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "revocation",
				Name:      "step_errors_total",
				Help:      "Failed revocation cleanup steps",
			},
			[]string{"step"},
		),
		RotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "total",
				Help:      "Rotation trigger outcomes",
			},
			[]string{"status"},
		),
		RotationPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "pending",
				Help:      "Incidents awaiting manual rotation",
			},
		),
	}

	reg.MustRegister(
		m.IncidentsTotal,
		m.ActiveIncidents,
		m.SharesRejected,
		m.StageDuration,
		m.RevocationsTotal,
		m.RevocationStepErrors,
		m.RotationsTotal,
		m.RotationPending,
	)
	return m
}

// ObserveStage records how long a stage took.
func (m *BrokerMetrics) ObserveStage(stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, result(err)).Observe(time.Since(start).Seconds())
}

// IncidentFinished counts an incident reaching a terminal status.
func (m *BrokerMetrics) IncidentFinished(status string) {
	if m == nil {
		return
	}
	m.IncidentsTotal.WithLabelValues(status).Inc()
}

// IncidentActivated tracks a newly issued credential.
func (m *BrokerMetrics) IncidentActivated() {
	if m == nil {
		return
	}
	m.ActiveIncidents.Inc()
}

// SetActive sets the active incident gauge, used after recovery.
func (m *BrokerMetrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveIncidents.Set(float64(n))
}

// ShareRejected counts a rejected key share.
func (m *BrokerMetrics) ShareRejected() {
	if m == nil {
		return
	}
	m.SharesRejected.Inc()
}

// Revocation records one revocation attempt.
func (m *BrokerMetrics) Revocation(trigger string, err error) {
	if m == nil {
		return
	}
	m.RevocationsTotal.WithLabelValues(trigger, result(err)).Inc()
}

// Revoked records a completed revocation.
func (m *BrokerMetrics) Revoked() {
	if m == nil {
		return
	}
	m.ActiveIncidents.Dec()
	m.IncidentsTotal.WithLabelValues("revoked").Inc()
}

// RevocationStepFailed counts a failed cleanup step.
func (m *BrokerMetrics) RevocationStepFailed(step string) {
	if m == nil {
		return
	}
	m.RevocationStepErrors.WithLabelValues(step).Inc()
}

// Rotation records a rotation trigger outcome.
func (m *BrokerMetrics) Rotation(status string) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(status).Inc()
}

// RotationPendingChanged adjusts the pending rotation gauge.
func (m *BrokerMetrics) RotationPendingChanged(pending bool) {
	if m == nil {
		return
	}
	if pending {
		m.RotationPending.Inc()
		return
	}
	m.RotationPending.Dec()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
