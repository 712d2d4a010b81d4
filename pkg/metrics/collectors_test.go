package metrics_test

import (
	goerrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/breakglass/pkg/metrics"
)

func TestNewBrokerMetrics(t *testing.T) {
	m := metrics.NewBrokerMetrics(prometheus.NewRegistry())
	require.NotNil(t, m)
	assert.NotNil(t, m.IncidentsTotal)
	assert.NotNil(t, m.ActiveIncidents)
	assert.NotNil(t, m.StageDuration)
	assert.NotNil(t, m.RevocationsTotal)
	assert.NotNil(t, m.RotationsTotal)
}

func TestBrokerMetrics_Lifecycle(t *testing.T) {
	m := metrics.NewBrokerMetrics(prometheus.NewRegistry())

	m.IncidentActivated()
	m.IncidentActivated()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveIncidents))

	m.Revocation("timer", nil)
	m.Revocation("manual", goerrors.New("store down"))
	m.Revoked()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveIncidents))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IncidentsTotal.WithLabelValues("revoked")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RevocationsTotal.WithLabelValues("manual", metrics.ResultFailure)))

	m.RevocationStepFailed("delete_policy")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RevocationStepErrors.WithLabelValues("delete_policy")))

	m.RotationPendingChanged(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RotationPending))
	m.RotationPendingChanged(false)
	assert.Zero(t, testutil.ToFloat64(m.RotationPending))

	m.SetActive(5)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ActiveIncidents))

	m.ObserveStage("generate", time.Now().Add(-time.Second), nil)
	m.ShareRejected()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SharesRejected))
}

func TestBrokerMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.BrokerMetrics
	assert.NotPanics(t, func() {
		m.IncidentActivated()
		m.IncidentFinished("failed")
		m.Revocation("timer", nil)
		m.Revoked()
		m.RevocationStepFailed("revoke_root")
		m.Rotation("rotated")
		m.RotationPendingChanged(true)
		m.ObserveStage("issue", time.Now(), nil)
		m.ShareRejected()
		m.SetActive(0)
	})
}

func TestNewBrokerMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewBrokerMetrics(reg)
	assert.Panics(t, func() { metrics.NewBrokerMetrics(reg) })
}
