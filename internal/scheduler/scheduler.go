// Package scheduler revokes emergency access when its deadline passes or on
// operator request. Deadlines come from persisted incident records, so a
// restarted process revokes at the original time.
package scheduler

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/metrics"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/telemetry"
	"k8s.io/utils/clock"
)

// Cleanup steps, in execution order.
const (
	StepRevokeCredential = "revoke_credential"
	StepDeletePolicy     = "delete_policy"
	StepRevokeRoot       = "revoke_root"
)

var steps = []string{StepRevokeCredential, StepDeletePolicy, StepRevokeRoot}

// Revocation triggers.
const (
	TriggerTimer     = "timer"
	TriggerManual    = "manual"
	TriggerAbandoned = "abandoned"
)

// SecretStore is the part of the secret store used for revocation.
type SecretStore interface {
	CancelGeneration(ctx context.Context) error
	RevokeCredential(ctx context.Context, credential, accessor string) error
	DeletePolicy(ctx context.Context, credential, name string) error
	RevokeSelf(ctx context.Context, credential string) error
}

// RotationTrigger runs post-incident rotation.
type RotationTrigger interface {
	Rotate(ctx context.Context, inc *models.Incident) (*models.RotationResult, error)
}

// RetryConfig controls how failed cleanup is retried. A zero MaxElapsedTime
// retries until the context ends.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the cleanup retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 5 * time.Second,
		MaxInterval:     time.Minute,
	}
}

type task struct {
	incidentID string
	deadline   time.Time
	root       *models.RootCredential
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

func (t *task) cancel() { t.stopOnce.Do(func() { close(t.stop) }) }
func (t *task) finish() { t.doneOnce.Do(func() { close(t.done) }) }

// Scheduler arms one revocation timer per active incident.
type Scheduler struct {
	store          SecretStore
	registry       *registry.Registry
	audit          audit.Service
	notify         *audit.Dispatcher
	rotation       RotationTrigger
	clock          clock.Clock
	retry          RetryConfig
	resync         time.Duration
	cleanupTimeout time.Duration
	metrics        *metrics.BrokerMetrics
	logger         *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	locks sync.Map
	wg    sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock sets the scheduler clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRetry sets the cleanup retry policy.
func WithRetry(r RetryConfig) Option {
	return func(s *Scheduler) { s.retry = r }
}

// WithResync makes Run re-read the registry at the given interval so that
// incidents issued by other processes get a timer.
func WithResync(d time.Duration) Option {
	return func(s *Scheduler) { s.resync = d }
}

// WithCleanupTimeout bounds the unwind of an abandoned incident.
func WithCleanupTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cleanupTimeout = d
		}
	}
}

// WithMetrics records revocation metrics.
func WithMetrics(m *metrics.BrokerMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler.
func New(store SecretStore, reg *registry.Registry, auditSvc audit.Service, notify *audit.Dispatcher, rotation RotationTrigger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          store,
		registry:       reg,
		audit:          auditSvc,
		notify:         notify,
		rotation:       rotation,
		clock:          clock.RealClock{},
		retry:          DefaultRetryConfig(),
		cleanupTimeout: 5 * time.Minute,
		logger:         slog.Default(),
		tasks:          make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms revocation of an active incident at its persisted deadline.
// root may be nil after a restart; the root credential is then revoked by
// accessor. The timer lives until ctx ends.
func (s *Scheduler) Schedule(ctx context.Context, inc *models.Incident, root *models.RootCredential) error {
	if inc.Status != models.IncidentStatusActive {
		return fmt.Errorf("cannot schedule revocation of %s incident %s: %w", inc.Status, inc.ID, errors.ErrInvalidTransition)
	}
	deadline, ok := inc.Deadline()
	if !ok {
		return fmt.Errorf("incident %s has no revocation deadline: %w", inc.ID, errors.ErrInvalidInput)
	}

	s.mu.Lock()
	if existing, ok := s.tasks[inc.ID]; ok {
		if root != nil && existing.root == nil {
			existing.root = root
		}
		s.mu.Unlock()
		return nil
	}
	t := &task{
		incidentID: inc.ID,
		deadline:   deadline,
		root:       root,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.tasks[inc.ID] = t
	s.wg.Add(1)
	s.mu.Unlock()

	remaining := deadline.Sub(s.clock.Now())
	s.logger.InfoContext(ctx, "revocation scheduled",
		"incident_id", inc.ID,
		"deadline", deadline,
		"remaining", remaining.Round(time.Second).String(),
	)
	s.emit(ctx, inc.ID, models.AuditRevocationScheduled, models.SeverityInfo, map[string]any{
		"deadline":          deadline.Format(time.RFC3339),
		"remaining_seconds": int64(remaining.Seconds()),
		"root_in_memory":    root != nil,
	})

	go s.wait(ctx, t)
	return nil
}

// Recover arms timers for every active incident from its persisted deadline.
// Overdue incidents are revoked right away. Abandoned initiated incidents
// are swept first.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to sweep abandoned incidents", "error", err)
	}
	active, err := s.registry.List(ctx, models.IncidentStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active incidents: %w", err)
	}
	for _, inc := range active {
		if err := s.Schedule(ctx, inc, nil); err != nil {
			return 0, err
		}
	}
	s.metrics.SetActive(len(active))
	if len(active) > 0 {
		s.logger.InfoContext(ctx, "recovered revocation timers", "count", len(active))
	}
	return len(active), nil
}

// Sweep fails initiated incidents whose collection deadline has passed. Their
// process is gone, so any generation attempt is cancelled and a recorded
// root credential is revoked by accessor. It returns how many were swept.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	initiated, err := s.registry.List(ctx, models.IncidentStatusInitiated)
	if err != nil {
		return 0, fmt.Errorf("failed to list initiated incidents: %w", err)
	}
	now := s.clock.Now()
	swept := 0
	var errs []error
	for _, inc := range initiated {
		if !inc.Abandoned(now) {
			continue
		}
		s.logger.WarnContext(ctx, "incident abandoned during collection", "incident_id", inc.ID, "collection_deadline", inc.CollectionDeadline)
		if _, err := s.revoke(ctx, inc.ID, TriggerAbandoned, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		swept++
	}
	return swept, goerrors.Join(errs...)
}

// Run recovers persisted timers and blocks until ctx ends, then disarms
// them. With a resync interval the registry is re-read periodically.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		return err
	}
	defer s.Stop()

	if s.resync <= 0 {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.resync):
			if _, err := s.Recover(ctx); err != nil {
				s.logger.ErrorContext(ctx, "failed to resync revocation timers", "error", err)
			}
		}
	}
}

// Done returns a channel closed once the incident's scheduled revocation has
// finished or its timer was stopped. It is already closed for incidents
// without a timer.
func (s *Scheduler) Done(incidentID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[incidentID]; ok {
		return t.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Pending returns the IDs of incidents with an armed timer.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Stop disarms every timer without revoking and waits for running
// revocations to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, t := range s.tasks {
		t.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Revoke revokes an incident now. ref is an incident ID or credential
// accessor. Revoking an already revoked incident is a no-op. An initiated
// incident is abandoned: it ends failed with nothing left in the store.
func (s *Scheduler) Revoke(ctx context.Context, ref string) (*models.Incident, error) {
	inc, err := s.registry.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	var root *models.RootCredential
	s.mu.Lock()
	t := s.tasks[inc.ID]
	if t != nil {
		root = t.root
	}
	s.mu.Unlock()

	revoked, err := s.revoke(ctx, inc.ID, TriggerManual, root)
	if err != nil {
		return nil, err
	}
	if t != nil {
		t.cancel()
	}
	return revoked, nil
}

func (s *Scheduler) wait(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer s.release(t)

	if d := t.deadline.Sub(s.clock.Now()); d > 0 {
		timer := s.clock.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-timer.C():
		}
	}

	s.mu.Lock()
	root := t.root
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "revocation deadline reached", "incident_id", t.incidentID)
	if _, err := s.revoke(ctx, t.incidentID, TriggerTimer, root); err != nil {
		s.logger.ErrorContext(ctx, "scheduled revocation did not complete", "incident_id", t.incidentID, "error", err)
	}
}

func (s *Scheduler) release(t *task) {
	s.mu.Lock()
	if s.tasks[t.incidentID] == t {
		delete(s.tasks, t.incidentID)
	}
	s.mu.Unlock()
	t.finish()
}

func (s *Scheduler) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// revoke runs the cleanup steps until they all succeed, then marks the
// incident revoked and triggers rotation. Concurrent calls for one incident
// are serialized; later ones observe the revoked record and return.
func (s *Scheduler) revoke(ctx context.Context, id, trigger string, root *models.RootCredential) (inc *models.Incident, err error) {
	unlock := s.lock(id)
	defer unlock()

	ctx, span := telemetry.StartStage(ctx, "revoke", id)
	start := s.clock.Now()
	defer func() {
		telemetry.End(span, err)
		s.metrics.ObserveStage("revoke", start, err)
	}()

	inc, err = s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if trigger == TriggerAbandoned && inc.Status != models.IncidentStatusInitiated {
		return inc, nil
	}
	switch inc.Status {
	case models.IncidentStatusRevoked:
		s.logger.InfoContext(ctx, "incident already revoked", "incident_id", id, "trigger", trigger)
		return inc, nil
	case models.IncidentStatusInitiated:
		return s.abandon(ctx, inc, trigger)
	case models.IncidentStatusActive:
	default:
		return nil, fmt.Errorf("cannot revoke %s incident %s: %w", inc.Status, id, errors.ErrInvalidTransition)
	}

	s.emit(ctx, id, models.AuditRevocationStarted, models.SeverityInfo, map[string]any{"trigger": trigger})

	completed := make(map[string]bool, len(steps))
	escalated := false
	var last *errors.RevocationPartialFailureError
	op := func() error {
		failures := s.cleanup(ctx, inc, root, completed)
		if len(failures) == 0 {
			return nil
		}
		last = errors.NewRevocationPartialFailureError(id, failures)
		var permanent *backoff.PermanentError
		for _, ferr := range failures {
			if goerrors.As(ferr, &permanent) {
				return backoff.Permanent(last)
			}
		}
		if ctx.Err() != nil {
			return backoff.Permanent(last)
		}
		return last
	}
	notify := func(err error, next time.Duration) {
		if !escalated {
			escalated = true
			s.escalate(ctx, inc, err)
		}
		s.logger.WarnContext(ctx, "revocation incomplete, retrying", "incident_id", id, "retry_in", next.String(), "error", err)
	}

	err = backoff.RetryNotify(op, backoff.WithContext(s.backoff(), ctx), notify)
	s.metrics.Revocation(trigger, err)
	if err != nil {
		perr := last
		if perr == nil {
			perr = errors.NewRevocationPartialFailureError(id, map[string]error{"cleanup": err})
		}
		if !escalated {
			s.escalate(ctx, inc, perr)
		}
		return nil, perr
	}
	root.Zero()

	inc, changed, err := s.registry.MarkRevoked(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark incident %s revoked: %w", id, err)
	}
	if !changed {
		return inc, nil
	}

	s.metrics.Revoked()
	s.logger.InfoContext(ctx, "emergency access revoked", "incident_id", id, "trigger", trigger, "revoked_at", inc.RevokedAt)
	s.emit(ctx, id, models.AuditIncidentRevoked, models.SeverityInfo, map[string]any{
		"trigger":    trigger,
		"revoked_at": inc.RevokedAt.Format(time.RFC3339Nano),
	})
	s.notify.Notify(ctx, audit.Notification{
		Severity:   models.SeverityInfo,
		IncidentID: id,
		Message:    fmt.Sprintf("Break-glass access for %s revoked (%s)", inc.Operator, trigger),
		Fields: map[string]string{
			"operator": inc.Operator,
			"accessor": inc.TokenAccessor,
			"trigger":  trigger,
		},
	})

	// rotation outcome never undoes revocation
	result, rerr := s.rotation.Rotate(context.WithoutCancel(ctx), inc)
	if rerr != nil {
		s.logger.WarnContext(ctx, "post-incident rotation needs attention", "incident_id", id, "error", rerr)
	}
	if result != nil && result.Status == models.RotationStatusManualRequired {
		inc.RotationPending = true
	}
	return inc, nil
}

// abandon unwinds an incident that never reached issuance and marks it
// failed. The caller holds the incident lock.
func (s *Scheduler) abandon(ctx context.Context, inc *models.Incident, trigger string) (*models.Incident, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()

	s.emit(ctx, inc.ID, models.AuditRevocationStarted, models.SeverityWarning, map[string]any{"trigger": trigger, "status": string(inc.Status)})

	if err := s.store.CancelGeneration(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to cancel root generation", "incident_id", inc.ID, "error", err)
	}

	failures := make(map[string]error)
	if inc.RootTokenAccessor != "" {
		// child credentials go with their parent
		err := s.store.RevokeCredential(ctx, "", inc.RootTokenAccessor)
		if err != nil {
			failures[StepRevokeRoot] = err
		} else {
			s.emit(ctx, inc.ID, models.AuditRootCredentialRevoked, models.SeverityInfo, map[string]any{
				"fingerprint":   inc.RootTokenFingerprint,
				"root_accessor": inc.RootTokenAccessor,
			})
		}
	}
	if inc.PolicyName != "" {
		if err := s.store.DeletePolicy(ctx, "", inc.PolicyName); err != nil {
			failures[StepDeletePolicy] = err
		} else {
			s.emit(ctx, inc.ID, models.AuditPolicyDeleted, models.SeverityInfo, map[string]any{"policy": inc.PolicyName})
		}
	}
	if len(failures) > 0 {
		for step, err := range failures {
			s.metrics.RevocationStepFailed(step)
			s.logger.ErrorContext(ctx, "revocation step failed", "incident_id", inc.ID, "step", step, "error", err)
		}
		perr := errors.NewRevocationPartialFailureError(inc.ID, failures)
		s.escalate(ctx, inc, perr)
		return nil, perr
	}

	severity := models.SeverityWarning
	if inc.RootTokenAccessor != "" {
		severity = models.SeverityCritical
	}
	failed, err := s.registry.Fail(ctx, inc.ID, fmt.Sprintf("abandoned before issuance (%s)", trigger), severity)
	if err != nil {
		return nil, err
	}
	s.metrics.IncidentFinished(string(models.IncidentStatusFailed))
	s.logger.WarnContext(ctx, "initiated incident abandoned", "incident_id", inc.ID, "trigger", trigger)
	return failed, nil
}

// cleanup attempts every step not yet completed and returns the failures.
func (s *Scheduler) cleanup(ctx context.Context, inc *models.Incident, root *models.RootCredential, completed map[string]bool) map[string]error {
	credential := root.Value()
	failures := make(map[string]error)

	for _, step := range steps {
		if completed[step] {
			continue
		}
		kind, details, err := s.runStep(ctx, step, inc, root, credential)
		if err != nil {
			failures[step] = err
			s.metrics.RevocationStepFailed(step)
			s.logger.ErrorContext(ctx, "revocation step failed", "incident_id", inc.ID, "step", step, "error", err)
			s.emit(ctx, inc.ID, models.AuditRevocationStepFailed, models.SeverityCritical, map[string]any{
				"step":  step,
				"error": err.Error(),
			})
			continue
		}
		completed[step] = true
		s.emit(ctx, inc.ID, kind, models.SeverityInfo, details)
	}
	return failures
}

func (s *Scheduler) runStep(ctx context.Context, step string, inc *models.Incident, root *models.RootCredential, credential string) (models.AuditEventKind, map[string]any, error) {
	switch step {
	case StepRevokeCredential:
		if inc.TokenAccessor == "" {
			return models.AuditCredentialRevoked, map[string]any{"skipped": true}, nil
		}
		err := s.store.RevokeCredential(ctx, credential, inc.TokenAccessor)
		return models.AuditCredentialRevoked, map[string]any{"accessor": inc.TokenAccessor}, err
	case StepDeletePolicy:
		if inc.PolicyName == "" {
			return models.AuditPolicyDeleted, map[string]any{"skipped": true}, nil
		}
		err := s.store.DeletePolicy(ctx, credential, inc.PolicyName)
		return models.AuditPolicyDeleted, map[string]any{"policy": inc.PolicyName}, err
	default:
		details := map[string]any{"fingerprint": inc.RootTokenFingerprint, "root_accessor": inc.RootTokenAccessor}
		switch {
		case credential != "":
			err := s.store.RevokeSelf(ctx, credential)
			if err == nil {
				root.Zero()
			}
			return models.AuditRootCredentialRevoked, details, err
		case inc.RootTokenAccessor != "":
			return models.AuditRootCredentialRevoked, details, s.store.RevokeCredential(ctx, "", inc.RootTokenAccessor)
		default:
			return models.AuditRootCredentialRevoked, details, backoff.Permanent(goerrors.New("root credential accessor unknown"))
		}
	}
}

func (s *Scheduler) escalate(ctx context.Context, inc *models.Incident, err error) {
	s.emit(ctx, inc.ID, models.AuditRevocationPartialFailure, models.SeverityCritical, map[string]any{
		"error": err.Error(),
	})
	s.notify.Notify(ctx, audit.Notification{
		Severity:   models.SeverityCritical,
		IncidentID: inc.ID,
		Message:    fmt.Sprintf("Break-glass revocation incomplete, elevated access may still be live: %v", err),
		Fields: map[string]string{
			"operator":      inc.Operator,
			"accessor":      inc.TokenAccessor,
			"root_accessor": inc.RootTokenAccessor,
		},
	})
}

func (s *Scheduler) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.retry.InitialInterval > 0 {
		b.InitialInterval = s.retry.InitialInterval
	}
	if s.retry.MaxInterval > 0 {
		b.MaxInterval = s.retry.MaxInterval
	}
	b.MaxElapsedTime = s.retry.MaxElapsedTime
	b.Reset()
	return b
}

func (s *Scheduler) emit(ctx context.Context, incidentID string, kind models.AuditEventKind, severity models.Severity, details map[string]any) {
	err := s.audit.Log(ctx, &models.AuditEvent{
		Kind:       kind,
		IncidentID: incidentID,
		Operator:   audit.SystemOperator,
		Severity:   severity,
		Details:    details,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to write audit event", "event_kind", kind, "incident_id", incidentID, "error", err)
	}
}
