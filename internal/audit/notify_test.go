package audit_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/testutil"
	"github.com/witlox/breakglass/pkg/models"
)

func TestDispatcher(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("fills defaults and fans out", func(t *testing.T) {
		a, b := &testutil.RecordingNotifier{}, &testutil.RecordingNotifier{}
		d := audit.NewDispatcher("#incidents", time.Second, testutil.TestLogger(), a, b)

		d.Notify(ctx, audit.Notification{Message: "break-glass active", IncidentID: "inc-1"})
		d.Close()

		for _, n := range [][]audit.Notification{a.Notifications(), b.Notifications()} {
			require.Len(t, n, 1)
			assert.Equal(t, "#incidents", n[0].Channel)
			assert.Equal(t, models.SeverityInfo, n[0].Severity)
			assert.False(t, n[0].Timestamp.IsZero())
		}
	})

	t.Run("delivery failures do not surface", func(t *testing.T) {
		failing := &testutil.RecordingNotifier{Err: errors.New("chat is down")}
		d := audit.NewDispatcher("", time.Second, testutil.TestLogger(), failing)

		d.Notify(ctx, audit.Notification{Severity: models.SeverityCritical, Message: "revocation incomplete"})
		d.Close()

		assert.Len(t, failing.BySeverity(models.SeverityCritical), 1)
	})
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := audit.NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := n.Notify(testutil.TestContext(t), audit.Notification{
		Severity:   models.SeverityCritical,
		Message:    "manual rotation required",
		IncidentID: "inc-9",
		Fields:     map[string]string{"paths": "secret/data/db"},
	})

	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), "secret/data/db")
}

func TestWebhookNotifier(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("posts JSON and retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		var got audit.Notification
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		n := audit.NewWebhookNotifier(srv.URL, time.Second, 2)
		require.NoError(t, n.Notify(ctx, audit.Notification{Message: "hello", IncidentID: "inc-1"}))

		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, "hello", got.Message)
		assert.Equal(t, "inc-1", got.IncidentID)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		t.Cleanup(srv.Close)

		n := audit.NewWebhookNotifier(srv.URL, time.Second, 3)
		require.Error(t, n.Notify(ctx, audit.Notification{Message: "hello"}))
		assert.Equal(t, int32(1), calls.Load())
	})
}
