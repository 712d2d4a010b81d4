// Package rotation finds the secrets an emergency credential touched and gets
// them rotated, falling back to a manual-action notification.
package rotation

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/metrics"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/telemetry"
	"k8s.io/utils/clock"
)

// ErrNoService is the cause recorded when no rotation service is configured.
var ErrNoService = goerrors.New("no rotation service configured")

// DefaultTimeout bounds a single rotation attempt.
const DefaultTimeout = 2 * time.Minute

// Paths under these mounts are store internals, not rotatable secrets.
var ignoredPrefixes = []string{"sys/", "auth/", "identity/", "cubbyhole/"}

// AuditTrail reads the secret store's access log.
type AuditTrail interface {
	QueryAuditTrail(ctx context.Context, accessor string, since, until time.Time) ([]models.AuditTrailEntry, error)
}

// Service rotates secrets at the given paths.
type Service interface {
	Rotate(ctx context.Context, incidentID string, paths []string) (*models.RotationResult, error)
}

// Trigger runs post-incident rotation.
type Trigger struct {
	trail    AuditTrail
	service  Service
	registry *registry.Registry
	audit    audit.Service
	notify   *audit.Dispatcher
	clock    clock.PassiveClock
	timeout  time.Duration
	metrics  *metrics.BrokerMetrics
	logger   *slog.Logger
}

// Option configures the trigger.
type Option func(*Trigger)

// WithService sets the rotation service. Without one every rotation falls
// back to manual action.
func WithService(s Service) Option {
	return func(t *Trigger) { t.service = s }
}

// WithTimeout bounds each rotation attempt.
func WithTimeout(d time.Duration) Option {
	return func(t *Trigger) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithClock sets the trigger clock.
func WithClock(c clock.PassiveClock) Option {
	return func(t *Trigger) { t.clock = c }
}

// WithMetrics records rotation metrics.
func WithMetrics(m *metrics.BrokerMetrics) Option {
	return func(t *Trigger) { t.metrics = m }
}

// WithLogger sets the trigger logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// NewTrigger creates a rotation trigger.
func NewTrigger(trail AuditTrail, reg *registry.Registry, auditSvc audit.Service, notify *audit.Dispatcher, opts ...Option) *Trigger {
	t := &Trigger{
		trail:    trail,
		registry: reg,
		audit:    auditSvc,
		notify:   notify,
		clock:    clock.RealClock{},
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Rotate collects the paths the incident's credential accessed and rotates
// them. The returned result is never nil. When rotation could not be done
// automatically the result asks for manual action, the incident is flagged
// rotation_pending and a RotationUnavailableError is returned alongside.
func (t *Trigger) Rotate(ctx context.Context, inc *models.Incident) (result *models.RotationResult, err error) {
	ctx, span := telemetry.StartStage(ctx, "rotate", inc.ID)
	defer func() { telemetry.End(span, err) }()

	t.emit(ctx, inc, models.AuditRotationTriggered, models.SeverityInfo, map[string]any{
		"accessor":      inc.TokenAccessor,
		"service_ready": t.service != nil,
	})

	since := inc.InitiatedAt
	if inc.IssuedAt != nil {
		since = *inc.IssuedAt
	}
	until := t.clock.Now().UTC()
	if inc.RevokedAt != nil {
		until = *inc.RevokedAt
	}

	entries, err := t.trail.QueryAuditTrail(ctx, inc.TokenAccessor, since, until)
	if err != nil {
		return t.fallback(ctx, inc, nil, fmt.Errorf("failed to read access trail: %w", err))
	}
	paths := SecretPaths(entries)

	if len(paths) == 0 {
		t.logger.InfoContext(ctx, "emergency credential accessed no secrets", "incident_id", inc.ID)
		return t.complete(ctx, inc, &models.RotationResult{
			IncidentID: inc.ID,
			Status:     models.RotationStatusNothingToDo,
		})
	}
	if t.service == nil {
		return t.fallback(ctx, inc, paths, ErrNoService)
	}

	rctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := t.service.Rotate(rctx, inc.ID, paths)
	if err != nil {
		return t.fallback(ctx, inc, paths, err)
	}
	if len(res.Failed) > 0 {
		return t.fallback(ctx, inc, res.Failed, fmt.Errorf("rotation service could not rotate %d paths", len(res.Failed)))
	}
	res.IncidentID = inc.ID
	res.Paths = paths
	res.Status = models.RotationStatusRotated
	return t.complete(ctx, inc, res)
}

func (t *Trigger) complete(ctx context.Context, inc *models.Incident, res *models.RotationResult) (*models.RotationResult, error) {
	if inc.RotationPending {
		if _, err := t.registry.SetRotationPending(ctx, inc.ID, false); err != nil {
			t.logger.ErrorContext(ctx, "failed to clear rotation flag", "incident_id", inc.ID, "error", err)
		} else {
			t.metrics.RotationPendingChanged(false)
		}
	}
	t.metrics.Rotation(string(res.Status))
	t.logger.InfoContext(ctx, "post-incident rotation complete", "incident_id", inc.ID, "status", res.Status, "paths", len(res.Paths))
	t.emit(ctx, inc, models.AuditRotationComplete, models.SeverityInfo, map[string]any{
		"status": string(res.Status),
		"paths":  res.Paths,
	})
	return res, nil
}

func (t *Trigger) fallback(ctx context.Context, inc *models.Incident, paths []string, cause error) (*models.RotationResult, error) {
	msg := fmt.Sprintf("Manual rotation required for %d secret paths accessed during break-glass incident %s", len(paths), inc.ID)
	if paths == nil {
		msg = fmt.Sprintf("Manual review required: access trail for break-glass incident %s is unavailable", inc.ID)
	}
	t.logger.ErrorContext(ctx, "automatic rotation unavailable", "incident_id", inc.ID, "paths", len(paths), "error", cause)

	if !inc.RotationPending {
		if _, err := t.registry.SetRotationPending(ctx, inc.ID, true); err != nil {
			t.logger.ErrorContext(ctx, "failed to flag rotation pending", "incident_id", inc.ID, "error", err)
		} else {
			inc.RotationPending = true
			t.metrics.RotationPendingChanged(true)
		}
	}
	t.metrics.Rotation(string(models.RotationStatusManualRequired))

	t.emit(ctx, inc, models.AuditRotationPending, models.SeverityCritical, map[string]any{
		"paths": paths,
		"cause": cause.Error(),
	})
	t.notify.Notify(ctx, audit.Notification{
		Severity:   models.SeverityCritical,
		IncidentID: inc.ID,
		Message:    msg,
		Fields: map[string]string{
			"paths":    strings.Join(paths, ", "),
			"operator": inc.Operator,
			"cause":    cause.Error(),
		},
	})

	return &models.RotationResult{
		IncidentID: inc.ID,
		Status:     models.RotationStatusManualRequired,
		Paths:      paths,
		Failed:     paths,
		Message:    msg,
	}, errors.NewRotationUnavailableError(inc.ID, paths, cause)
}

func (t *Trigger) emit(ctx context.Context, inc *models.Incident, kind models.AuditEventKind, severity models.Severity, details map[string]any) {
	err := t.audit.Log(ctx, &models.AuditEvent{
		Kind:       kind,
		IncidentID: inc.ID,
		Operator:   audit.SystemOperator,
		Severity:   severity,
		Details:    details,
	})
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to write audit event", "event_kind", kind, "incident_id", inc.ID, "error", err)
	}
}

// SecretPaths returns the sorted, distinct secret paths in entries.
func SecretPaths(entries []models.AuditTrailEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		p := strings.TrimPrefix(e.Path, "/")
		if p == "" || ignored(p) {
			continue
		}
		seen[p] = struct{}{}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func ignored(path string) bool {
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
