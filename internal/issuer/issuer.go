// Package issuer turns a root credential into a scoped, time-limited
// emergency credential.
package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/metrics"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/telemetry"
	"github.com/witlox/breakglass/pkg/vault"
	"k8s.io/utils/clock"
)

// Issuance steps reported in IssuanceFailedError.
const (
	StepWritePolicy = "write_policy"
	StepIssue       = "issue_credential"
	StepPersist     = "persist_incident"
)

// DefaultPolicyPrefix names per-incident policies.
const DefaultPolicyPrefix = "breakglass-"

// DefaultCleanupTimeout bounds the unwind after a failed issuance.
const DefaultCleanupTimeout = 5 * time.Minute

// PolicyDocument grants unrestricted access across the store.
const PolicyDocument = `path "*" {
  capabilities = ["create", "read", "update", "delete", "list", "sudo"]
}
`

// SecretStore is the part of the secret store used for issuance.
type SecretStore interface {
	WritePolicy(ctx context.Context, credential, name, document string) error
	DeletePolicy(ctx context.Context, credential, name string) error
	IssueCredential(ctx context.Context, credential string, req *vault.IssueRequest) (*vault.IssuedToken, error)
	RevokeCredential(ctx context.Context, credential, accessor string) error
	RevokeSelf(ctx context.Context, credential string) error
}

// Issuer writes the incident policy and mints the emergency credential.
type Issuer struct {
	store    SecretStore
	registry *registry.Registry
	audit    audit.Service
	notify   *audit.Dispatcher
	clock    clock.PassiveClock
	metrics  *metrics.BrokerMetrics
	prefix   string
	cleanup  time.Duration
	logger   *slog.Logger
}

// Option configures the issuer.
type Option func(*Issuer)

// WithClock sets the issuer clock.
func WithClock(c clock.PassiveClock) Option {
	return func(i *Issuer) { i.clock = c }
}

// WithPolicyPrefix sets the prefix of per-incident policy names.
func WithPolicyPrefix(prefix string) Option {
	return func(i *Issuer) {
		if prefix != "" {
			i.prefix = prefix
		}
	}
}

// WithCleanupTimeout bounds the unwind after a failed issuance. The unwind
// outlives cancellation of the issuing context.
func WithCleanupTimeout(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.cleanup = d
		}
	}
}

// WithMetrics records issuance metrics.
func WithMetrics(m *metrics.BrokerMetrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// WithLogger sets the issuer logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) { i.logger = l }
}

// New creates an issuer.
func New(store SecretStore, reg *registry.Registry, auditSvc audit.Service, notify *audit.Dispatcher, opts ...Option) *Issuer {
	i := &Issuer{
		store:    store,
		registry: reg,
		audit:    auditSvc,
		notify:   notify,
		clock:    clock.RealClock{},
		prefix:   DefaultPolicyPrefix,
		cleanup:  DefaultCleanupTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// PolicyName returns the policy name used for an incident.
func (i *Issuer) PolicyName(incidentID string) string {
	return i.prefix + incidentID
}

// Issue creates the incident policy and a child credential bound to it, then
// activates the incident. On any failure the root credential is revoked
// immediately and the incident is marked failed.
func (i *Issuer) Issue(ctx context.Context, inc *models.Incident, root *models.RootCredential) (cred *models.EmergencyCredential, active *models.Incident, err error) {
	start := i.clock.Now()
	ctx, span := telemetry.StartStage(ctx, "issue", inc.ID)
	defer func() {
		telemetry.End(span, err)
		i.metrics.ObserveStage("issue", start, err)
	}()

	policy := i.PolicyName(inc.ID)
	_, err = i.registry.Record(ctx, inc.ID, func(rec *models.Incident) error {
		if rec.Status != models.IncidentStatusInitiated {
			return fmt.Errorf("incident %s is %s: %w", inc.ID, rec.Status, errors.ErrInvalidTransition)
		}
		rec.PolicyName = policy
		return nil
	})
	if err != nil {
		return nil, nil, i.abort(ctx, inc, root, StepPersist, err, "", "")
	}
	if err := i.store.WritePolicy(ctx, root.Value(), policy, PolicyDocument); err != nil {
		return nil, nil, i.abort(ctx, inc, root, StepWritePolicy, err, "", "")
	}
	i.logger.InfoContext(ctx, "emergency policy written", "incident_id", inc.ID, "policy", policy)

	issuedAt := i.clock.Now().UTC()
	token, err := i.store.IssueCredential(ctx, root.Value(), &vault.IssueRequest{
		Policy:      policy,
		TTL:         inc.TTL,
		DisplayName: policy,
		Metadata: map[string]string{
			"incident_id": inc.ID,
			"operator":    inc.Operator,
			"reason":      inc.Reason,
			"issued_at":   issuedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, nil, i.abort(ctx, inc, root, StepIssue, err, policy, "")
	}

	active, err = i.registry.Activate(ctx, inc.ID, registry.Activation{
		TokenAccessor:        token.Accessor,
		PolicyName:           policy,
		RootTokenFingerprint: root.Fingerprint,
		RootTokenAccessor:    root.Accessor,
		IssuedAt:             issuedAt,
	})
	if err != nil {
		return nil, nil, i.abort(ctx, inc, root, StepPersist, err, policy, token.Accessor)
	}

	cred = models.NewEmergencyCredential(inc.ID, token.Accessor, token.Token, policy, inc.TTL, issuedAt)
	i.metrics.IncidentActivated()

	i.logger.InfoContext(ctx, "emergency credential issued",
		"incident_id", inc.ID,
		"accessor", token.Accessor,
		"ttl", inc.TTL.String(),
		"expires_at", active.ExpiresAt,
	)
	i.emit(ctx, active, models.AuditCredentialIssued, models.SeverityInfo, map[string]any{
		"accessor":         token.Accessor,
		"policy":           policy,
		"ttl_seconds":      int64(inc.TTL.Seconds()),
		"expires_at":       active.ExpiresAt.Format(time.RFC3339),
		"root_fingerprint": root.Fingerprint,
	})
	i.notify.Notify(ctx, audit.Notification{
		Severity:   models.SeverityCritical,
		IncidentID: inc.ID,
		Message:    fmt.Sprintf("Break-glass credential issued to %s: %s", inc.Operator, inc.Reason),
		Fields: map[string]string{
			"operator":   inc.Operator,
			"reason":     inc.Reason,
			"ttl":        inc.TTL.String(),
			"accessor":   token.Accessor,
			"expires_at": active.ExpiresAt.Format(time.RFC3339),
		},
	})
	return cred, active, nil
}

// abort unwinds whatever was created and revokes the root credential. It
// runs even when ctx is already cancelled.
func (i *Issuer) abort(ctx context.Context, inc *models.Incident, root *models.RootCredential, step string, cause error, policy, accessor string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cleanup)
	defer cancel()

	i.logger.ErrorContext(ctx, "credential issuance failed", "incident_id", inc.ID, "step", step, "error", cause)

	if accessor != "" {
		if err := i.store.RevokeCredential(ctx, root.Value(), accessor); err != nil {
			i.logger.ErrorContext(ctx, "failed to revoke emergency credential", "incident_id", inc.ID, "error", err)
		}
	}
	if policy != "" {
		if err := i.store.DeletePolicy(ctx, root.Value(), policy); err != nil {
			i.logger.ErrorContext(ctx, "failed to delete emergency policy", "incident_id", inc.ID, "policy", policy, "error", err)
		}
	}
	rootRevoked := true
	if err := i.store.RevokeSelf(ctx, root.Value()); err != nil {
		rootRevoked = false
		i.logger.ErrorContext(ctx, "failed to revoke root credential", "incident_id", inc.ID, "fingerprint", root.Fingerprint, "error", err)
	}
	root.Zero()

	i.emit(ctx, inc, models.AuditIssuanceFailed, models.SeverityCritical, map[string]any{
		"step":          step,
		"error":         cause.Error(),
		"root_revoked":  rootRevoked,
		"root_accessor": root.Accessor,
	})
	if _, err := i.registry.Fail(ctx, inc.ID, fmt.Sprintf("issuance failed at %s: %v", step, cause), models.SeverityCritical); err != nil {
		i.logger.ErrorContext(ctx, "failed to mark incident failed", "incident_id", inc.ID, "error", err)
	}
	i.metrics.IncidentFinished(string(models.IncidentStatusFailed))

	msg := fmt.Sprintf("Break-glass issuance failed at %s; root credential revoked", step)
	if !rootRevoked {
		msg = fmt.Sprintf("Break-glass issuance failed at %s; ROOT CREDENTIAL %s NOT REVOKED, revoke accessor %s manually", step, root.Fingerprint, root.Accessor)
	}
	i.notify.Notify(ctx, audit.Notification{
		Severity:   models.SeverityCritical,
		IncidentID: inc.ID,
		Message:    msg,
		Fields:     map[string]string{"operator": inc.Operator, "step": step},
	})
	return errors.NewIssuanceFailedError(inc.ID, step, cause)
}

func (i *Issuer) emit(ctx context.Context, inc *models.Incident, kind models.AuditEventKind, severity models.Severity, details map[string]any) {
	err := i.audit.Log(ctx, &models.AuditEvent{
		Kind:       kind,
		IncidentID: inc.ID,
		Operator:   inc.Operator,
		Severity:   severity,
		Details:    details,
	})
	if err != nil {
		i.logger.ErrorContext(ctx, "failed to write audit event", "event_kind", kind, "incident_id", inc.ID, "error", err)
	}
}
