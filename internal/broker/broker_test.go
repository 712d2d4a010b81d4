package broker_test

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/broker"
	"github.com/witlox/breakglass/internal/collector"
	"github.com/witlox/breakglass/internal/issuer"
	"github.com/witlox/breakglass/internal/policy"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/internal/rootgen"
	"github.com/witlox/breakglass/internal/rotation"
	"github.com/witlox/breakglass/internal/scheduler"
	"github.com/witlox/breakglass/internal/testutil"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
	clocktesting "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store     *testutil.FakeSecretStore
	repo      *registry.MemoryRepository
	reg       *registry.Registry
	svc       audit.Service
	auditLog  *audit.MemoryRepository
	notes     *testutil.RecordingNotifier
	rotations *testutil.FakeRotationService
	clock     *clocktesting.FakeClock
	out       *bytes.Buffer
	broker    *broker.Broker
}

func newFixture(t *testing.T, threshold int, tune ...func(*broker.Settings)) *fixture {
	t.Helper()
	ctx := testutil.TestContext(t)
	logger := testutil.TestLogger()
	clk := clocktesting.NewFakeClock(t0)

	repo := registry.NewMemoryRepository()
	auditRepo := audit.NewMemoryRepository()
	svc := audit.NewService(auditRepo,
		audit.WithIncidentChecker(registry.NewChecker(repo)),
		audit.WithClock(clk),
		audit.WithLogger(logger),
	)
	t.Cleanup(svc.Close)
	reg := registry.New(repo, svc, registry.WithClock(clk), registry.WithLogger(logger))

	notes := &testutil.RecordingNotifier{}
	dispatch := audit.NewDispatcher("#incidents", time.Second, logger, notes)
	store := testutil.NewFakeSecretStore(threshold)
	rotations := &testutil.FakeRotationService{}

	trigger := rotation.NewTrigger(store, reg, svc, dispatch,
		rotation.WithService(rotations),
		rotation.WithClock(clk),
		rotation.WithLogger(logger),
	)
	sched := scheduler.New(store, reg, svc, dispatch, trigger,
		scheduler.WithClock(clk),
		scheduler.WithRetry(scheduler.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
		scheduler.WithLogger(logger),
	)
	gate, err := policy.New(ctx, "", logger)
	require.NoError(t, err)

	settings := broker.Settings{
		DefaultTTL:     time.Hour,
		MaxTTL:         4 * time.Hour,
		CleanupTimeout: 5 * time.Second,
	}
	for _, fn := range tune {
		fn(&settings)
	}

	out := &bytes.Buffer{}
	b := broker.New(broker.Components{
		Gate:      gate,
		Registry:  reg,
		Collector: collector.New(svc, collector.WithClock(clk), collector.WithLogger(logger)),
		Generator: rootgen.New(store, svc, clk, logger, rootgen.WithRecorder(reg)),
		Issuer:    issuer.New(store, reg, svc, dispatch, issuer.WithClock(clk), issuer.WithLogger(logger)),
		Scheduler: sched,
		Rotation:  trigger,
		Threshold: store,
	}, settings,
		broker.WithPrinter(broker.NewPrinter(out, clk)),
		broker.WithClock(clk),
		broker.WithLogger(logger),
	)
	t.Cleanup(b.Close)

	return &fixture{
		store:     store,
		repo:      repo,
		reg:       reg,
		svc:       svc,
		auditLog:  auditRepo,
		notes:     notes,
		rotations: rotations,
		clock:     clk,
		out:       out,
		broker:    b,
	}
}

func (f *fixture) count(t *testing.T, kind models.AuditEventKind) int {
	t.Helper()
	events, err := f.auditLog.Query(context.Background(), audit.QueryParams{Kind: kind})
	require.NoError(t, err)
	return len(events)
}

func source(shares ...[]byte) collector.Source {
	ch := make(chan []byte, len(shares))
	for _, s := range shares {
		ch <- s
	}
	close(ch)
	return collector.NewChannelSource(ch)
}

func TestBroker_RunIssuesAndRevokesAtDeadline(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 3)

	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "primary database down",
		TTL:      30 * time.Minute,
		Source:   source(testutil.TestShares(5)...),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, out.Threshold)
	assert.Equal(t, models.IncidentStatusActive, out.Incident.Status)
	assert.Equal(t, 1, f.store.CallCount(testutil.OpDecode))
	assert.Equal(t, 3, f.store.CallCount(testutil.OpSubmit))
	assert.False(t, f.store.DecodedBeforeComplete())
	assert.Equal(t, 3, f.count(t, models.AuditShareAccepted))
	assert.NotEmpty(t, out.Credential.Value())

	testutil.RequireEventually(t, f.clock.HasWaiters, 5*time.Second, time.Millisecond, "revocation timer was not armed")
	f.clock.Step(30 * time.Minute)

	revoked, err := f.broker.Wait(ctx, out.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusRevoked, revoked.Status)
	assert.True(t, f.store.IsRevoked(out.Credential.Accessor))
	assert.False(t, f.store.HasPolicy(out.Incident.PolicyName))

	printed := f.out.String()
	assert.Contains(t, printed, out.Incident.ID)
	assert.Contains(t, printed, "revoked at deadline")
	assert.NotContains(t, printed, out.Credential.Value())
	assert.NotContains(t, printed, f.store.RootToken)
}

func TestBroker_RunAbortedCollectionFailsIncident(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 3)

	_, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "primary database down",
		Source:   source(testutil.TestShares(2)...),
	})
	require.Error(t, err)

	var aborted *errors.CollectionAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, broker.ExitCollectionFailed, broker.ExitCode(err))

	all, err := f.reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.IncidentStatusFailed, all[0].Status)

	assert.Equal(t, 2, f.count(t, models.AuditShareAccepted))
	assert.Equal(t, 1, f.count(t, models.AuditCollectionAborted))
	assert.Zero(t, f.store.CallCount(testutil.OpDecode))
	assert.Contains(t, f.out.String(), all[0].ID)

	// a failed incident does not block the next one
	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "second attempt",
		Source:   source(testutil.TestShares(3)...),
	})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusActive, out.Incident.Status)
}

func TestBroker_RunGenerationFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 2)
	f.store.SetError(testutil.OpDecode, goerrors.New("decode failed"))

	_, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "primary database down",
		Source:   source(testutil.TestShares(2)...),
	})
	require.Error(t, err)
	assert.Equal(t, broker.ExitCollectionFailed, broker.ExitCode(err))

	all, err := f.reg.List(ctx, models.IncidentStatusFailed)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Contains(t, all[0].FailureReason, "generation")
}

func TestBroker_RunIssuanceFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 2)
	f.store.SetError(testutil.OpIssue, goerrors.New("permission denied"))

	_, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "primary database down",
		Source:   source(testutil.TestShares(2)...),
	})
	require.Error(t, err)
	assert.Equal(t, broker.ExitIssuanceFailed, broker.ExitCode(err))
	assert.True(t, f.store.IsRevoked(f.store.RootAccessor))

	all, err := f.reg.List(ctx, models.IncidentStatusFailed)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBroker_PolicyDenial(t *testing.T) {
	tests := []struct {
		name string
		req  broker.Request
	}{
		{name: "missing operator", req: broker.Request{Reason: "outage"}},
		{name: "missing reason", req: broker.Request{Operator: "alice"}},
		{name: "ttl above maximum", req: broker.Request{Operator: "alice", Reason: "outage", TTL: 5 * time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			f := newFixture(t, 3)
			tt.req.Source = source(testutil.TestShares(3)...)

			_, err := f.broker.Run(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrPolicyDenied)
			assert.Equal(t, broker.ExitInvalidInvocation, broker.ExitCode(err))

			all, err := f.reg.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.Zero(t, f.store.CallCount(testutil.OpInit))
		})
	}
}

func TestBroker_RefusesSecondIncidentInFlight(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 2)

	_, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Detach:   true,
		Source:   source(testutil.TestShares(2)...),
	})
	require.NoError(t, err)

	_, err = f.broker.Run(ctx, broker.Request{
		Operator: "bob",
		Reason:   "outage",
		Source:   source(testutil.TestShares(2)...),
	})
	assert.ErrorIs(t, err, errors.ErrIncidentInFlight)
	assert.Contains(t, f.out.String(), "in flight")
}

func TestBroker_RevokesOverdueIncidentBeforeRun(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 2)

	stale := testutil.TestIncident("stale", models.IncidentStatusActive, t0.Add(-2*time.Hour), time.Hour)
	require.NoError(t, f.repo.Create(ctx, stale))

	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Detach:   true,
		Source:   source(testutil.TestShares(2)...),
	})
	require.NoError(t, err)

	got, err := f.reg.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusRevoked, got.Status)
	assert.True(t, f.store.IsRevoked("acc-stale"))
	assert.Equal(t, models.IncidentStatusActive, out.Incident.Status)
	assert.Contains(t, f.out.String(), "passed its deadline")
}

func TestBroker_InterruptRevokesImmediately(t *testing.T) {
	f := newFixture(t, 2)
	ctx := testutil.TestContext(t)

	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Source:   source(testutil.TestShares(2)...),
	})
	require.NoError(t, err)

	interrupted, cancel := context.WithCancel(ctx)
	cancel()

	revoked, err := f.broker.Wait(interrupted, out.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusRevoked, revoked.Status)
	assert.True(t, f.store.IsRevoked(out.Credential.Accessor))
	require.NotNil(t, revoked.RevokedAt)
	assert.Contains(t, f.out.String(), "interrupted")
}

func TestBroker_InterruptRevocationIncomplete(t *testing.T) {
	f := newFixture(t, 2, func(s *broker.Settings) { s.CleanupTimeout = 50 * time.Millisecond })
	ctx := testutil.TestContext(t)

	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Source:   source(testutil.TestShares(2)...),
	})
	require.NoError(t, err)
	f.store.SetError(testutil.OpRevokeCredential, goerrors.New("vault unavailable"))

	interrupted, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.broker.Wait(interrupted, out.Incident.ID)
	require.Error(t, err)
	assert.Equal(t, broker.ExitRevocationIncomplete, broker.ExitCode(err))
	assert.Contains(t, f.out.String(), "revocation incomplete")

	got, err := f.reg.Get(ctx, out.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusActive, got.Status)
}

func TestBroker_RevokeByAccessor(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 2)

	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Detach:   true,
		Source:   source(testutil.TestShares(2)...),
	})
	require.NoError(t, err)

	revoked, err := f.broker.Revoke(ctx, out.Credential.Accessor)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusRevoked, revoked.Status)

	again, err := f.broker.Revoke(ctx, out.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusRevoked, again.Status)
	assert.Contains(t, f.out.String(), "already revoked")

	_, err = f.broker.Revoke(ctx, "no-such-incident")
	assert.ErrorIs(t, err, errors.ErrUnknownIncident)
	assert.Equal(t, broker.ExitInvalidInvocation, broker.ExitCode(err))
}

func TestBroker_Rotate(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 2)

	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Detach:   true,
		Source:   source(testutil.TestShares(2)...),
	})
	require.NoError(t, err)

	_, err = f.broker.Rotate(ctx, out.Incident.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	_, err = f.broker.Revoke(ctx, out.Incident.ID)
	require.NoError(t, err)

	f.store.Trail = []models.AuditTrailEntry{{Path: "secret/data/payments", Timestamp: t0}}
	result, err := f.broker.Rotate(ctx, out.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RotationStatusRotated, result.Status)
	assert.Contains(t, result.Paths, "secret/data/payments")
}

func TestBroker_Status(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 3)
	require.NoError(t, f.repo.Create(ctx, testutil.TestIncident("old", models.IncidentStatusRevoked, t0.Add(-48*time.Hour), time.Hour)))

	all, err := f.broker.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	active, err := f.broker.Status(ctx, models.IncidentStatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, broker.ExitOK},
		{errors.NewCollectionAbortedError("i", 1, 3, collector.ErrAborted), broker.ExitCollectionFailed},
		{errors.NewGenerationFailedError("i", "decode", goerrors.New("x")), broker.ExitCollectionFailed},
		{errors.NewIssuanceFailedError("i", "policy", goerrors.New("x")), broker.ExitIssuanceFailed},
		{errors.NewRevocationPartialFailureError("i", map[string]error{"policy": goerrors.New("x")}), broker.ExitRevocationIncomplete},
		{errors.NewValidationError("ttl", "must be positive"), broker.ExitInvalidInvocation},
		{fmt.Errorf("lookup: %w", errors.ErrUnknownIncident), broker.ExitInvalidInvocation},
		{goerrors.New("unexpected"), broker.ExitCollectionFailed},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, broker.ExitCode(tt.err))
		})
	}
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := broker.NewPrinter(&buf, clocktesting.NewFakeClock(t0))
	p.Printf("incident %s active", "abc")
	assert.Equal(t, "2026-06-01T08:00:00Z incident abc active\n", buf.String())

	var nilPrinter *broker.Printer
	assert.NotPanics(t, func() { nilPrinter.Printf("discarded") })
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestBroker_InterruptDuringIssuanceRevokesRoot(t *testing.T) {
	f := newFixture(t, 2)
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()
	f.store.OnCall = func(op string) {
		if op == testutil.OpWritePolicy {
			cancel()
		}
	}

	_, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Source:   source(testutil.TestShares(2)...),
	})
	require.Error(t, err)
	assert.Equal(t, broker.ExitIssuanceFailed, broker.ExitCode(err))
	assert.Equal(t, []string{f.store.RootToken}, f.store.SelfRevoked)

	failed, err := f.reg.List(context.Background(), models.IncidentStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, f.store.RootAccessor, failed[0].RootTokenAccessor)
}

func TestBroker_SweepsAbandonedIncidentBeforeRun(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 2)

	// a run that died after root generation
	orphan, err := f.reg.Create(ctx, registry.CreateRequest{Operator: "bob", Reason: "outage", TTL: time.Hour})
	require.NoError(t, err)
	_, err = f.reg.RecordRoot(ctx, orphan.ID, "fp-orphan", "root-orphan")
	require.NoError(t, err)
	_, err = f.reg.Record(ctx, orphan.ID, func(inc *models.Incident) error {
		inc.PolicyName = "breakglass-" + orphan.ID
		return nil
	})
	require.NoError(t, err)
	f.store.Policies["breakglass-"+orphan.ID] = issuer.PolicyDocument

	_, err = f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Detach:   true,
		Source:   source(testutil.TestShares(2)...),
	})
	require.ErrorIs(t, err, errors.ErrIncidentInFlight)

	f.clock.Step(registry.DefaultCollectionWindow)
	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Detach:   true,
		Source:   source(testutil.TestShares(2)...),
	})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusActive, out.Incident.Status)

	got, err := f.reg.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusFailed, got.Status)
	assert.True(t, f.store.IsRevoked("root-orphan"))
	assert.False(t, f.store.HasPolicy("breakglass-"+orphan.ID))
	assert.Positive(t, f.store.CallCount(testutil.OpCancel))
	assert.Contains(t, f.out.String(), "abandoned")
}

func TestBroker_RevokeInitiatedIncident(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t, 2)

	orphan, err := f.reg.Create(ctx, registry.CreateRequest{Operator: "bob", Reason: "outage", TTL: time.Hour})
	require.NoError(t, err)

	failed, err := f.broker.Revoke(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusFailed, failed.Status)
	assert.Equal(t, 1, f.store.CallCount(testutil.OpCancel))
	assert.Contains(t, f.out.String(), "abandoned before issuance")

	out, err := f.broker.Run(ctx, broker.Request{
		Operator: "alice",
		Reason:   "outage",
		Detach:   true,
		Source:   source(testutil.TestShares(2)...),
	})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusActive, out.Incident.Status)
}
