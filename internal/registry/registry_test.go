package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/internal/testutil"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
	clocktesting "k8s.io/utils/clock/testing"
)

type fixture struct {
	repo     *registry.MemoryRepository
	auditLog *audit.MemoryRepository
	reg      *registry.Registry
	clock    *clocktesting.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := registry.NewMemoryRepository()
	auditRepo := audit.NewMemoryRepository()
	clk := clocktesting.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	svc := audit.NewService(auditRepo,
		audit.WithIncidentChecker(registry.NewChecker(repo)),
		audit.WithClock(clk),
		audit.WithLogger(testutil.TestLogger()),
	)
	t.Cleanup(svc.Close)
	return &fixture{
		repo:     repo,
		auditLog: auditRepo,
		reg:      registry.New(repo, svc, registry.WithClock(clk), registry.WithLogger(testutil.TestLogger())),
		clock:    clk,
	}
}

func validRequest() registry.CreateRequest {
	return registry.CreateRequest{Operator: "alice", Reason: "primary DB down", TTL: time.Hour}
}

func TestCreate(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("creates an initiated incident and audits it", func(t *testing.T) {
		f := newFixture(t)
		inc, err := f.reg.Create(ctx, validRequest())
		require.NoError(t, err)

		assert.NotEmpty(t, inc.ID)
		assert.Equal(t, models.IncidentStatusInitiated, inc.Status)
		assert.Equal(t, f.clock.Now(), inc.InitiatedAt)
		assert.Nil(t, inc.RevokedAt)

		events, err := f.auditLog.Query(ctx, audit.QueryParams{IncidentID: inc.ID})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.AuditIncidentCreated, events[0].Kind)
	})

	t.Run("validates input", func(t *testing.T) {
		f := newFixture(t)
		tests := []struct {
			name string
			req  registry.CreateRequest
		}{
			{"missing operator", registry.CreateRequest{Reason: "x", TTL: time.Hour}},
			{"missing reason", registry.CreateRequest{Operator: "a", TTL: time.Hour}},
			{"zero ttl", registry.CreateRequest{Operator: "a", Reason: "x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.reg.Create(ctx, tt.req)
				var verr *errors.ValidationError
				require.ErrorAs(t, err, &verr)
			})
		}
	})

	t.Run("refuses a second in-flight incident", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reg.Create(ctx, validRequest())
		require.NoError(t, err)

		_, err = f.reg.Create(ctx, validRequest())
		require.ErrorIs(t, err, errors.ErrIncidentInFlight)
	})

	t.Run("allows a new incident after the previous one failed", func(t *testing.T) {
		f := newFixture(t)
		inc, err := f.reg.Create(ctx, validRequest())
		require.NoError(t, err)
		_, err = f.reg.Fail(ctx, inc.ID, "collection aborted", models.SeverityWarning)
		require.NoError(t, err)

		_, err = f.reg.Create(ctx, validRequest())
		require.NoError(t, err)
	})

	t.Run("concurrent creates admit exactly one", func(t *testing.T) {
		f := newFixture(t)
		const workers = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded, inFlight := 0, 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.reg.Create(ctx, validRequest())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case assert.ErrorIs(t, err, errors.ErrIncidentInFlight):
					inFlight++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, workers-1, inFlight)
	})
}

func TestTransitions(t *testing.T) {
	ctx := testutil.TestContext(t)

	tests := []struct {
		from, to models.IncidentStatus
		legal    bool
	}{
		{models.IncidentStatusInitiated, models.IncidentStatusActive, true},
		{models.IncidentStatusInitiated, models.IncidentStatusFailed, true},
		{models.IncidentStatusActive, models.IncidentStatusRevoked, true},
		{models.IncidentStatusInitiated, models.IncidentStatusRevoked, false},
		{models.IncidentStatusActive, models.IncidentStatusFailed, false},
		{models.IncidentStatusActive, models.IncidentStatusInitiated, false},
		{models.IncidentStatusRevoked, models.IncidentStatusActive, false},
		{models.IncidentStatusFailed, models.IncidentStatusInitiated, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.legal, registry.CanTransition(tt.from, tt.to))
		})
	}

	t.Run("activate persists the deadline", func(t *testing.T) {
		f := newFixture(t)
		inc, err := f.reg.Create(ctx, validRequest())
		require.NoError(t, err)

		issued := f.clock.Now().Add(2 * time.Minute)
		active, err := f.reg.Activate(ctx, inc.ID, registry.Activation{
			TokenAccessor:        "acc-1",
			PolicyName:           "breakglass-" + inc.ID,
			RootTokenFingerprint: "abcd1234",
			RootTokenAccessor:    "root-acc",
			IssuedAt:             issued,
		})
		require.NoError(t, err)
		assert.Equal(t, models.IncidentStatusActive, active.Status)
		require.NotNil(t, active.ExpiresAt)
		assert.Equal(t, issued.Add(time.Hour), *active.ExpiresAt)

		found, err := f.reg.Resolve(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, inc.ID, found.ID)
	})

	t.Run("illegal transition is rejected", func(t *testing.T) {
		f := newFixture(t)
		inc, err := f.reg.Create(ctx, validRequest())
		require.NoError(t, err)

		_, err = f.reg.Transition(ctx, inc.ID, models.IncidentStatusRevoked, nil)
		require.ErrorIs(t, err, errors.ErrInvalidTransition)
	})

	t.Run("unknown incident", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reg.Get(ctx, "nope")
		require.ErrorIs(t, err, errors.ErrNotFound)
		_, err = f.reg.Resolve(ctx, "nope")
		require.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestMarkRevoked(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	inc, err := f.reg.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.reg.Activate(ctx, inc.ID, registry.Activation{TokenAccessor: "acc", IssuedAt: f.clock.Now()})
	require.NoError(t, err)

	f.clock.Step(time.Hour)
	revoked, changed, err := f.reg.MarkRevoked(ctx, inc.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, f.clock.Now(), *revoked.RevokedAt)

	again, changed, err := f.reg.MarkRevoked(ctx, inc.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, revoked.RevokedAt, again.RevokedAt)
}

func TestMarkRevoked_RequiresActive(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	inc, err := f.reg.Create(ctx, validRequest())
	require.NoError(t, err)

	_, _, err = f.reg.MarkRevoked(ctx, inc.ID)
	require.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestSetRotationPending(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	inc, err := f.reg.Create(ctx, validRequest())
	require.NoError(t, err)

	updated, err := f.reg.SetRotationPending(ctx, inc.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.RotationPending)
	assert.Equal(t, models.IncidentStatusInitiated, updated.Status)
}

func TestRecordRoot(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	inc, err := f.reg.Create(ctx, validRequest())
	require.NoError(t, err)

	recorded, err := f.reg.RecordRoot(ctx, inc.ID, "abcd1234", "root-acc")
	require.NoError(t, err)
	assert.Equal(t, "root-acc", recorded.RootTokenAccessor)
	assert.Equal(t, models.IncidentStatusInitiated, recorded.Status)

	stored, err := f.reg.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", stored.RootTokenFingerprint)

	_, err = f.reg.Fail(ctx, inc.ID, "aborted", models.SeverityWarning)
	require.NoError(t, err)
	_, err = f.reg.RecordRoot(ctx, inc.ID, "ffff", "root-other")
	require.ErrorIs(t, err, errors.ErrInvalidTransition)

	stored, err = f.reg.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "root-acc", stored.RootTokenAccessor)
}

func TestRecord_ErrorLeavesIncidentUnchanged(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	inc, err := f.reg.Create(ctx, validRequest())
	require.NoError(t, err)

	_, err = f.reg.Record(ctx, inc.ID, func(inc *models.Incident) error {
		inc.PolicyName = "breakglass-x"
		return errors.ErrInvalidTransition
	})
	require.ErrorIs(t, err, errors.ErrInvalidTransition)

	stored, err := f.reg.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PolicyName)

	_, err = f.reg.Record(ctx, "nope", func(*models.Incident) error { return nil })
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestCollectionDeadline(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	inc, err := f.reg.Create(ctx, validRequest())
	require.NoError(t, err)

	require.NotNil(t, inc.CollectionDeadline)
	assert.Equal(t, f.clock.Now().Add(registry.DefaultCollectionWindow), *inc.CollectionDeadline)
	assert.False(t, inc.Abandoned(f.clock.Now()))

	f.clock.Step(registry.DefaultCollectionWindow)
	assert.True(t, inc.Abandoned(f.clock.Now()))

	windowed := registry.New(f.repo, nil, registry.WithClock(f.clock), registry.WithCollectionWindow(time.Minute))
	short, err := windowed.Create(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *short.CollectionDeadline)

	active, err := windowed.Activate(ctx, short.ID, registry.Activation{TokenAccessor: "acc", IssuedAt: f.clock.Now()})
	require.NoError(t, err)
	assert.False(t, active.Abandoned(f.clock.Now().Add(time.Hour)))
}

func TestList(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)

	first, err := f.reg.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.reg.Fail(ctx, first.ID, "aborted", models.SeverityWarning)
	require.NoError(t, err)
	f.clock.Step(time.Minute)
	second, err := f.reg.Create(ctx, validRequest())
	require.NoError(t, err)

	all, err := f.reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	failed, err := f.reg.List(ctx, models.IncidentStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "aborted", failed[0].FailureReason)
}
