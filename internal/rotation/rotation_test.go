package rotation_test

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/internal/rotation"
	"github.com/witlox/breakglass/internal/testutil"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
	clocktesting "k8s.io/utils/clock/testing"
)

type fixture struct {
	store    *testutil.FakeSecretStore
	reg      *registry.Registry
	svc      audit.Service
	auditLog *audit.MemoryRepository
	notes    *testutil.RecordingNotifier
	dispatch *audit.Dispatcher
	clock    *clocktesting.FakeClock
	incident *models.Incident
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := testutil.TestContext(t)
	clk := clocktesting.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	repo := registry.NewMemoryRepository()
	auditRepo := audit.NewMemoryRepository()
	svc := audit.NewService(auditRepo,
		audit.WithIncidentChecker(registry.NewChecker(repo)),
		audit.WithClock(clk),
		audit.WithLogger(testutil.TestLogger()),
	)
	t.Cleanup(svc.Close)
	reg := registry.New(repo, svc, registry.WithClock(clk), registry.WithLogger(testutil.TestLogger()))

	inc, err := reg.Create(ctx, registry.CreateRequest{Operator: "alice", Reason: "db outage", TTL: time.Minute})
	require.NoError(t, err)
	_, err = reg.Activate(ctx, inc.ID, registry.Activation{TokenAccessor: "acc-1", IssuedAt: clk.Now()})
	require.NoError(t, err)
	clk.Step(time.Minute)
	inc, _, err = reg.MarkRevoked(ctx, inc.ID)
	require.NoError(t, err)

	notes := &testutil.RecordingNotifier{}
	store := testutil.NewFakeSecretStore(1)
	store.Trail = []models.AuditTrailEntry{
		{Path: "secret/data/payments/db", Operation: "read"},
		{Path: "auth/token/lookup-self", Operation: "read"},
		{Path: "secret/data/payments/db", Operation: "update"},
		{Path: "sys/policies/acl/x", Operation: "read"},
		{Path: "database/creds/admin", Operation: "read"},
	}

	return &fixture{
		store:    store,
		reg:      reg,
		svc:      svc,
		auditLog: auditRepo,
		notes:    notes,
		dispatch: audit.NewDispatcher("", time.Second, testutil.TestLogger(), notes),
		clock:    clk,
		incident: inc,
	}
}

func (f *fixture) trigger(opts ...rotation.Option) *rotation.Trigger {
	opts = append([]rotation.Option{rotation.WithClock(f.clock), rotation.WithLogger(testutil.TestLogger())}, opts...)
	return rotation.NewTrigger(f.store, f.reg, f.svc, f.dispatch, opts...)
}

func (f *fixture) kinds(t *testing.T) []models.AuditEventKind {
	t.Helper()
	events, err := f.auditLog.Query(context.Background(), audit.QueryParams{IncidentID: f.incident.ID})
	require.NoError(t, err)
	var out []models.AuditEventKind
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestSecretPaths(t *testing.T) {
	paths := rotation.SecretPaths([]models.AuditTrailEntry{
		{Path: "/kv/data/b"},
		{Path: "kv/data/a"},
		{Path: "kv/data/b"},
		{Path: "cubbyhole/response"},
		{Path: "identity/entity/id/1"},
		{Path: ""},
	})
	assert.Equal(t, []string{"kv/data/a", "kv/data/b"}, paths)
}

func TestRotate_WithService(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	service := &testutil.FakeRotationService{}

	result, err := f.trigger(rotation.WithService(service)).Rotate(ctx, f.incident)
	require.NoError(t, err)
	f.dispatch.Close()

	assert.Equal(t, models.RotationStatusRotated, result.Status)
	assert.Equal(t, []string{"database/creds/admin", "secret/data/payments/db"}, result.Paths)
	require.Len(t, service.Calls(), 1)
	assert.Equal(t, f.incident.ID, service.Calls()[0].IncidentID)
	assert.Equal(t, []models.AuditEventKind{models.AuditRotationTriggered, models.AuditRotationComplete}, f.kinds(t)[len(f.kinds(t))-2:])
	assert.Empty(t, f.notes.Notifications())
}

func TestRotate_ServiceUnavailable(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)

	result, err := f.trigger().Rotate(ctx, f.incident)
	f.dispatch.Close()

	var rerr *errors.RotationUnavailableError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, rotation.ErrNoService)
	require.NotNil(t, result)
	assert.Equal(t, models.RotationStatusManualRequired, result.Status)
	assert.Equal(t, []string{"database/creds/admin", "secret/data/payments/db"}, result.Paths)

	stored, err := f.reg.Get(ctx, f.incident.ID)
	require.NoError(t, err)
	assert.True(t, stored.RotationPending)
	assert.Equal(t, models.IncidentStatusRevoked, stored.Status)

	critical := f.notes.BySeverity(models.SeverityCritical)
	require.Len(t, critical, 1)
	assert.Contains(t, critical[0].Fields["paths"], "secret/data/payments/db")
	assert.Contains(t, critical[0].Fields["paths"], "database/creds/admin")
	assert.Contains(t, f.kinds(t), models.AuditRotationPending)
	assert.Contains(t, f.kinds(t), models.AuditRotationTriggered)
}

func TestRotate_ServiceError(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	service := &testutil.FakeRotationService{Err: goerrors.New("connection refused")}

	result, err := f.trigger(rotation.WithService(service)).Rotate(ctx, f.incident)
	f.dispatch.Close()

	require.Error(t, err)
	assert.Equal(t, models.RotationStatusManualRequired, result.Status)
	stored, err := f.reg.Get(ctx, f.incident.ID)
	require.NoError(t, err)
	assert.True(t, stored.RotationPending)
}

func TestRotate_TrailUnavailable(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	f.store.SetError(testutil.OpAuditTrail, goerrors.New("audit log missing"))

	result, err := f.trigger(rotation.WithService(&testutil.FakeRotationService{})).Rotate(ctx, f.incident)
	f.dispatch.Close()

	require.Error(t, err)
	assert.Equal(t, models.RotationStatusManualRequired, result.Status)
	assert.Len(t, f.notes.BySeverity(models.SeverityCritical), 1)
}

func TestRotate_NothingAccessed(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	f.store.Trail = []models.AuditTrailEntry{{Path: "auth/token/lookup-self"}}

	result, err := f.trigger().Rotate(ctx, f.incident)
	require.NoError(t, err)
	assert.Equal(t, models.RotationStatusNothingToDo, result.Status)
}

func TestRotate_RetryClearsPendingFlag(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)

	_, err := f.trigger().Rotate(ctx, f.incident)
	require.Error(t, err)
	pending, err := f.reg.Get(ctx, f.incident.ID)
	require.NoError(t, err)
	require.True(t, pending.RotationPending)

	_, err = f.trigger(rotation.WithService(&testutil.FakeRotationService{})).Rotate(ctx, pending)
	require.NoError(t, err)
	cleared, err := f.reg.Get(ctx, f.incident.ID)
	require.NoError(t, err)
	assert.False(t, cleared.RotationPending)
}

func TestClient(t *testing.T) {
	t.Run("posts paths and parses the result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/rotate", r.URL.Path)
			assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
			var req struct {
				IncidentID string   `json:"incident_id"`
				Paths      []string `json:"paths"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "inc-1", req.IncidentID)
			_ = json.NewEncoder(w).Encode(map[string]any{"rotated": req.Paths[:1], "failed": req.Paths[1:]})
		}))
		defer server.Close()

		c := rotation.NewClient(rotation.ClientConfig{URL: server.URL + "/", Token: "svc-token"})
		result, err := c.Rotate(testutil.TestContext(t), "inc-1", []string{"kv/a", "kv/b"})
		require.NoError(t, err)
		assert.Equal(t, models.RotationStatusManualRequired, result.Status)
		assert.Equal(t, []string{"kv/a"}, result.Rotated)
		assert.Equal(t, []string{"kv/b"}, result.Failed)
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"rotated": []string{"kv/a"}})
		}))
		defer server.Close()

		c := rotation.NewClient(rotation.ClientConfig{URL: server.URL, Retries: 3})
		result, err := c.Rotate(testutil.TestContext(t), "inc-1", []string{"kv/a"})
		require.NoError(t, err)
		assert.Equal(t, models.RotationStatusRotated, result.Status)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		c := rotation.NewClient(rotation.ClientConfig{URL: server.URL, Retries: 3})
		_, err := c.Rotate(testutil.TestContext(t), "inc-1", []string{"kv/a"})
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("absent without URL", func(t *testing.T) {
		assert.Nil(t, rotation.NewClient(rotation.ClientConfig{}))
	})
}
