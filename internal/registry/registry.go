package registry

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
	"k8s.io/utils/clock"
)

// legalTransitions is the incident state machine.
var legalTransitions = map[models.IncidentStatus][]models.IncidentStatus{
	models.IncidentStatusInitiated: {models.IncidentStatusActive, models.IncidentStatusFailed},
	models.IncidentStatusActive:    {models.IncidentStatusRevoked},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to models.IncidentStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultCollectionWindow is how long an incident may stay initiated.
const DefaultCollectionWindow = 30 * time.Minute

// Registry manages incidents. All updates of one incident are serialized by
// a per-incident lock so unrelated incidents never wait on each other.
type Registry struct {
	repo   Repository
	audit  audit.Service
	clock  clock.PassiveClock
	window time.Duration
	logger *slog.Logger
	locks  sync.Map
}

// Option configures the registry.
type Option func(*Registry)

// WithClock sets the registry clock.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithCollectionWindow sets how long a new incident may stay initiated
// before it counts as abandoned.
func WithCollectionWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry over repo.
func New(repo Repository, auditSvc audit.Service, opts ...Option) *Registry {
	r := &Registry{
		repo:   repo,
		audit:  auditSvc,
		clock:  clock.RealClock{},
		window: DefaultCollectionWindow,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRequest holds the operator supplied fields of a new incident.
type CreateRequest struct {
	Operator string
	Reason   string
	TTL      time.Duration
}

// Create records a new incident in the initiated state.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*models.Incident, error) {
	if strings.TrimSpace(req.Operator) == "" {
		return nil, errors.NewValidationError("operator", "operator is required")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, errors.NewValidationError("reason", "reason is required")
	}
	if req.TTL <= 0 {
		return nil, errors.NewValidationError("ttl", "ttl must be positive")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate incident ID: %w", err)
	}
	now := r.clock.Now().UTC()
	collectBy := now.Add(r.window)
	inc := &models.Incident{
		ID:                 id.String(),
		Operator:           req.Operator,
		Reason:             req.Reason,
		InitiatedAt:        now,
		TTL:                req.TTL,
		Status:             models.IncidentStatusInitiated,
		CollectionDeadline: &collectBy,
		UpdatedAt:          now,
	}

	if err := r.repo.Create(ctx, inc); err != nil {
		if goerrors.Is(err, errors.ErrIncidentInFlight) {
			r.logger.WarnContext(ctx, "refusing to open a second incident", "operator", req.Operator)
		}
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	r.logger.InfoContext(ctx, "incident created", "incident_id", inc.ID, "operator", inc.Operator, "ttl", inc.TTL)
	r.emit(ctx, &models.AuditEvent{
		Kind:       models.AuditIncidentCreated,
		IncidentID: inc.ID,
		Operator:   inc.Operator,
		Details:    map[string]any{"reason": inc.Reason, "ttl": inc.TTL.String()},
	})
	return inc.Clone(), nil
}

// Get retrieves an incident by ID.
func (r *Registry) Get(ctx context.Context, id string) (*models.Incident, error) {
	inc, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	return inc, nil
}

// FindByAccessor retrieves the incident owning an emergency credential.
func (r *Registry) FindByAccessor(ctx context.Context, accessor string) (*models.Incident, error) {
	inc, err := r.repo.GetByAccessor(ctx, accessor)
	if err != nil {
		return nil, fmt.Errorf("failed to find incident for accessor %s: %w", accessor, err)
	}
	return inc, nil
}

// Resolve accepts either an incident ID or a credential accessor.
func (r *Registry) Resolve(ctx context.Context, ref string) (*models.Incident, error) {
	inc, err := r.repo.Get(ctx, ref)
	if err == nil {
		return inc, nil
	}
	if !goerrors.Is(err, errors.ErrNotFound) {
		return nil, fmt.Errorf("failed to get incident %s: %w", ref, err)
	}
	return r.FindByAccessor(ctx, ref)
}

// List returns incidents, optionally filtered by status.
func (r *Registry) List(ctx context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error) {
	incidents, err := r.repo.List(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return incidents, nil
}

// Transition moves an incident to a new status after validating the state
// machine. mutate may set bookkeeping fields before the write.
func (r *Registry) Transition(ctx context.Context, id string, to models.IncidentStatus, mutate func(*models.Incident)) (*models.Incident, error) {
	unlock := r.lock(id)
	defer unlock()

	inc, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	from := inc.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("incident %s %s -> %s: %w", id, from, to, errors.ErrInvalidTransition)
	}

	if mutate != nil {
		mutate(inc)
	}
	now := r.clock.Now().UTC()
	inc.Status = to
	inc.UpdatedAt = now
	if to == models.IncidentStatusRevoked {
		inc.RevokedAt = &now
	} else {
		inc.RevokedAt = nil
	}

	if err := r.repo.Update(ctx, inc, from); err != nil {
		return nil, fmt.Errorf("failed to update incident %s: %w", id, err)
	}

	r.logger.InfoContext(ctx, "incident transitioned", "incident_id", id, "from", from, "to", to)
	return inc.Clone(), nil
}

// Activation carries the non-secret facts recorded when a credential is issued.
type Activation struct {
	TokenAccessor        string
	PolicyName           string
	RootTokenFingerprint string
	RootTokenAccessor    string
	IssuedAt             time.Time
}

// Activate marks an incident active and persists its revocation deadline.
func (r *Registry) Activate(ctx context.Context, id string, a Activation) (*models.Incident, error) {
	return r.Transition(ctx, id, models.IncidentStatusActive, func(inc *models.Incident) {
		issued := a.IssuedAt.UTC()
		expires := issued.Add(inc.TTL)
		inc.TokenAccessor = a.TokenAccessor
		inc.PolicyName = a.PolicyName
		inc.RootTokenFingerprint = a.RootTokenFingerprint
		inc.RootTokenAccessor = a.RootTokenAccessor
		inc.IssuedAt = &issued
		inc.ExpiresAt = &expires
	})
}

// Fail marks an initiated incident failed and audits it.
func (r *Registry) Fail(ctx context.Context, id, reason string, severity models.Severity) (*models.Incident, error) {
	inc, err := r.Transition(ctx, id, models.IncidentStatusFailed, func(inc *models.Incident) {
		inc.FailureReason = reason
	})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, &models.AuditEvent{
		Kind:       models.AuditIncidentFailed,
		IncidentID: id,
		Operator:   inc.Operator,
		Severity:   severity,
		Details:    map[string]any{"reason": reason},
	})
	return inc, nil
}

// MarkRevoked moves an active incident to revoked. Repeated calls return the
// stored incident with changed set to false.
func (r *Registry) MarkRevoked(ctx context.Context, id string) (*models.Incident, bool, error) {
	inc, err := r.Transition(ctx, id, models.IncidentStatusRevoked, nil)
	if err == nil {
		return inc, true, nil
	}
	if !goerrors.Is(err, errors.ErrInvalidTransition) && !goerrors.Is(err, errors.ErrConflict) {
		return nil, false, err
	}
	current, getErr := r.repo.Get(ctx, id)
	if getErr != nil {
		return nil, false, fmt.Errorf("failed to get incident %s: %w", id, getErr)
	}
	if current.Status == models.IncidentStatusRevoked {
		return current, false, nil
	}
	return nil, false, err
}

// Record updates bookkeeping fields of an incident without changing its
// status. An error from mutate aborts the write.
func (r *Registry) Record(ctx context.Context, id string, mutate func(*models.Incident) error) (*models.Incident, error) {
	unlock := r.lock(id)
	defer unlock()

	inc, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	status := inc.Status
	if err := mutate(inc); err != nil {
		return nil, err
	}
	inc.Status = status
	inc.UpdatedAt = r.clock.Now().UTC()
	if err := r.repo.Update(ctx, inc, status); err != nil {
		return nil, fmt.Errorf("failed to update incident %s: %w", id, err)
	}
	return inc.Clone(), nil
}

// RecordRoot persists the root credential's fingerprint and accessor on an
// initiated incident, so it can be revoked even if this process dies before
// issuance completes.
func (r *Registry) RecordRoot(ctx context.Context, id, fingerprint, accessor string) (*models.Incident, error) {
	return r.Record(ctx, id, func(inc *models.Incident) error {
		if inc.Status != models.IncidentStatusInitiated {
			return fmt.Errorf("incident %s is %s: %w", id, inc.Status, errors.ErrInvalidTransition)
		}
		inc.RootTokenFingerprint = fingerprint
		inc.RootTokenAccessor = accessor
		return nil
	})
}

// SetRotationPending flags or clears an incident's pending rotation.
func (r *Registry) SetRotationPending(ctx context.Context, id string, pending bool) (*models.Incident, error) {
	return r.Record(ctx, id, func(inc *models.Incident) error {
		inc.RotationPending = pending
		return nil
	})
}

func (r *Registry) lock(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Registry) emit(ctx context.Context, event *models.AuditEvent) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to write audit event", "event_kind", event.Kind, "incident_id", event.IncidentID, "error", err)
	}
}

// NewChecker adapts a repository to audit.IncidentChecker.
func NewChecker(repo Repository) audit.IncidentChecker {
	return &checker{repo: repo}
}

type checker struct {
	repo Repository
}

func (c *checker) Exists(ctx context.Context, id string) (bool, error) {
	_, err := c.repo.Get(ctx, id)
	if err == nil {
		return true, nil
	}
	if goerrors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	return false, err
}
