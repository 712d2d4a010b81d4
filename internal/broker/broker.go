// Package broker drives a break-glass incident from request to revocation:
// policy gate, key collection, root generation, issuance and the revocation
// timer.
package broker

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/witlox/breakglass/internal/collector"
	"github.com/witlox/breakglass/internal/issuer"
	"github.com/witlox/breakglass/internal/policy"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/internal/rootgen"
	"github.com/witlox/breakglass/internal/rotation"
	"github.com/witlox/breakglass/internal/scheduler"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/metrics"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/telemetry"
	"k8s.io/utils/clock"
)

// DefaultCleanupTimeout bounds an interrupt-triggered revocation.
const DefaultCleanupTimeout = 5 * time.Minute

// ThresholdSource reports how many key shares the secret store needs.
type ThresholdSource interface {
	Threshold(ctx context.Context) (int, error)
}

// Components are the collaborators a broker drives.
type Components struct {
	Gate      *policy.Gate
	Registry  *registry.Registry
	Collector *collector.Collector
	Generator *rootgen.Generator
	Issuer    *issuer.Issuer
	Scheduler *scheduler.Scheduler
	Rotation  *rotation.Trigger
	Threshold ThresholdSource
}

// Settings are the operator-facing limits of a broker.
type Settings struct {
	// Threshold overrides discovery from the secret store when positive.
	Threshold        int
	DefaultTTL       time.Duration
	MaxTTL           time.Duration
	AllowedOperators []string
	CleanupTimeout   time.Duration
}

// Request asks for a new incident.
type Request struct {
	Operator string
	Reason   string
	TTL      time.Duration
	Source   collector.Source
	// Detach leaves revocation to a watch daemon instead of arming a
	// timer in this process.
	Detach bool
}

// Outcome is the result of a successful run.
type Outcome struct {
	Incident   *models.Incident
	Credential *models.EmergencyCredential
	Threshold  int
}

// Broker orchestrates incidents.
type Broker struct {
	c        Components
	settings Settings
	printer  *Printer
	clock    clock.PassiveClock
	metrics  *metrics.BrokerMetrics
	logger   *slog.Logger

	// lifetime bounds the timers armed by Run; Close ends it.
	lifetime context.Context
	stop     context.CancelFunc
	once     sync.Once
}

// Option configures the broker.
type Option func(*Broker)

// WithPrinter sets where operator progress lines go.
func WithPrinter(p *Printer) Option {
	return func(b *Broker) { b.printer = p }
}

// WithClock sets the broker clock.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.BrokerMetrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// New creates a broker.
func New(c Components, settings Settings, opts ...Option) *Broker {
	if settings.CleanupTimeout <= 0 {
		settings.CleanupTimeout = DefaultCleanupTimeout
	}
	lifetime, stop := context.WithCancel(context.Background())
	b := &Broker{
		c:        c,
		settings: settings,
		clock:    clock.RealClock{},
		logger:   slog.Default(),
		lifetime: lifetime,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close disarms timers armed by this broker. Incidents stay active with their
// persisted deadline for a watch daemon to pick up.
func (b *Broker) Close() {
	b.once.Do(func() {
		b.stop()
		b.c.Scheduler.Stop()
	})
}

// Run opens an incident and carries it through collection, generation and
// issuance. Unless the request is detached, a revocation timer is armed
// before Run returns; use Wait to follow it.
func (b *Broker) Run(ctx context.Context, req Request) (out *Outcome, err error) {
	start := b.clock.Now()
	ctx, span := telemetry.StartStage(ctx, "run", "")
	defer func() {
		telemetry.End(span, err)
		b.metrics.ObserveStage("run", start, err)
	}()

	if req.TTL <= 0 {
		req.TTL = b.settings.DefaultTTL
	}
	if req.Source == nil {
		return nil, errors.NewValidationError("source", "a key share source is required")
	}
	if b.c.Gate != nil {
		if err := b.c.Gate.Check(ctx, policy.Request{
			Operator:         req.Operator,
			Reason:           req.Reason,
			TTL:              req.TTL,
			MaxTTL:           b.settings.MaxTTL,
			AllowedOperators: b.settings.AllowedOperators,
		}); err != nil {
			b.printer.Printf("request denied: %v", err)
			return nil, err
		}
	}

	if _, err := b.RevokeOverdue(ctx); err != nil {
		return nil, err
	}

	threshold, err := b.threshold(ctx)
	if err != nil {
		return nil, err
	}

	inc, err := b.c.Registry.Create(ctx, registry.CreateRequest{
		Operator: req.Operator,
		Reason:   req.Reason,
		TTL:      req.TTL,
	})
	if err != nil {
		if goerrors.Is(err, errors.ErrIncidentInFlight) {
			b.printer.Printf("refused: another break-glass incident is in flight")
		}
		return nil, err
	}
	b.printer.Printf("incident %s initiated by %s (ttl %s, %d key shares required)", inc.ID, inc.Operator, inc.TTL, threshold)

	// past the collection deadline other processes treat the incident as
	// abandoned
	collectCtx, cancelCollect := ctx, context.CancelFunc(func() {})
	if inc.CollectionDeadline != nil {
		collectCtx, cancelCollect = context.WithTimeout(ctx, inc.CollectionDeadline.Sub(b.clock.Now()))
	}
	defer cancelCollect()

	shares, err := b.c.Collector.Collect(collectCtx, inc.ID, inc.Operator, threshold, req.Source)
	if err != nil {
		b.fail(ctx, inc, "key collection aborted", err, models.SeverityWarning)
		return nil, err
	}
	b.printer.Printf("incident %s: %d key shares collected, generating root credential", inc.ID, len(shares))

	root, err := b.c.Generator.Generate(collectCtx, inc, shares)
	if err != nil {
		b.fail(ctx, inc, "root credential generation failed", err, models.SeverityCritical)
		return nil, err
	}
	b.printer.Printf("incident %s: root credential generated (fingerprint %s)", inc.ID, root.Fingerprint)

	cred, active, err := b.c.Issuer.Issue(ctx, inc, root)
	if err != nil {
		b.printer.Printf("incident %s failed: emergency credential could not be issued: %v", inc.ID, err)
		return nil, err
	}
	deadline, _ := active.Deadline()
	b.printer.Printf("incident %s active: credential %s expires at %s", inc.ID, cred.Accessor, deadline.UTC().Format(time.RFC3339))

	out = &Outcome{Incident: active, Credential: cred, Threshold: threshold}
	if req.Detach {
		root.Zero()
		b.printer.Printf("incident %s: revocation left to the watch daemon", inc.ID)
		return out, nil
	}

	if err := b.c.Scheduler.Schedule(b.lifetime, active, root); err != nil {
		b.logger.ErrorContext(ctx, "failed to arm revocation timer, revoking now", "incident_id", inc.ID, "error", err)
		if _, rerr := b.c.Scheduler.Revoke(context.WithoutCancel(ctx), inc.ID); rerr != nil {
			return out, rerr
		}
		return out, fmt.Errorf("failed to schedule revocation of incident %s: %w", inc.ID, err)
	}
	b.printer.Printf("incident %s: revocation armed for %s", inc.ID, deadline.UTC().Format(time.RFC3339))
	return out, nil
}

// Wait blocks until the incident's revocation timer has revoked it. When ctx
// ends first (operator interrupt) the incident is revoked immediately.
func (b *Broker) Wait(ctx context.Context, incidentID string) (*models.Incident, error) {
	select {
	case <-b.c.Scheduler.Done(incidentID):
		inc, err := b.c.Registry.Get(context.WithoutCancel(ctx), incidentID)
		if err != nil {
			return nil, err
		}
		if inc.Status != models.IncidentStatusRevoked {
			b.printer.Printf("incident %s: revocation did not complete, incident is still %s", incidentID, inc.Status)
			return inc, errors.NewRevocationPartialFailureError(incidentID, map[string]error{
				"cleanup": fmt.Errorf("incident is still %s", inc.Status),
			})
		}
		b.printer.Printf("incident %s revoked at deadline", incidentID)
		return inc, nil

	case <-ctx.Done():
		b.printer.Printf("incident %s: interrupted, revoking emergency credential now", incidentID)
		return b.revokeNow(ctx, incidentID)
	}
}

// Revoke revokes an incident immediately. ref is an incident ID or the
// accessor of its emergency credential.
func (b *Broker) Revoke(ctx context.Context, ref string) (*models.Incident, error) {
	inc, err := b.Incident(ctx, ref)
	if err != nil {
		return nil, err
	}
	if inc.Status == models.IncidentStatusRevoked {
		b.printer.Printf("incident %s is already revoked", inc.ID)
		return inc, nil
	}
	return b.revokeNow(ctx, inc.ID)
}

func (b *Broker) revokeNow(ctx context.Context, incidentID string) (*models.Incident, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.settings.CleanupTimeout)
	defer cancel()

	type result struct {
		inc *models.Incident
		err error
	}
	ch := make(chan result, 1)
	go func() {
		inc, err := b.c.Scheduler.Revoke(rctx, incidentID)
		ch <- result{inc, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-rctx.Done():
		// another revocation holds the incident lock and is still retrying
		r.err = errors.NewRevocationPartialFailureError(incidentID, map[string]error{"cleanup": rctx.Err()})
	}
	if r.err != nil {
		b.printer.Printf("incident %s: revocation incomplete (%v); a watch daemon will keep retrying", incidentID, r.err)
		return nil, r.err
	}
	if r.inc.Status == models.IncidentStatusFailed {
		b.printer.Printf("incident %s abandoned before issuance", incidentID)
		return r.inc, nil
	}
	b.printer.Printf("incident %s revoked", incidentID)
	return r.inc, nil
}

// RevokeOverdue revokes active incidents whose deadline has passed, which
// happens when no process was around to fire their timer. Initiated
// incidents abandoned by a dead process are swept as well.
func (b *Broker) RevokeOverdue(ctx context.Context) (int, error) {
	swept, err := b.c.Scheduler.Sweep(context.WithoutCancel(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep abandoned incidents: %w", err)
	}
	if swept > 0 {
		b.printer.Printf("%d abandoned incident(s) failed and cleaned up", swept)
	}

	active, err := b.c.Registry.List(ctx, models.IncidentStatusActive)
	if err != nil {
		return 0, err
	}
	now := b.clock.Now()
	revoked := 0
	for _, inc := range active {
		deadline, ok := inc.Deadline()
		if !ok || deadline.After(now) {
			continue
		}
		b.printer.Printf("incident %s passed its deadline %s unrevoked, revoking now", inc.ID, deadline.UTC().Format(time.RFC3339))
		if _, err := b.revokeNow(ctx, inc.ID); err != nil {
			return revoked, fmt.Errorf("failed to revoke overdue incident %s: %w", inc.ID, err)
		}
		revoked++
	}
	return revoked, nil
}

// Incident looks up one incident by ID or credential accessor.
func (b *Broker) Incident(ctx context.Context, ref string) (*models.Incident, error) {
	inc, err := b.c.Registry.Resolve(ctx, ref)
	if goerrors.Is(err, errors.ErrNotFound) {
		return nil, fmt.Errorf("no incident matches %q: %w", ref, errors.ErrUnknownIncident)
	}
	return inc, err
}

// Status lists incidents, optionally filtered by status.
func (b *Broker) Status(ctx context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error) {
	return b.c.Registry.List(ctx, statuses...)
}

// Rotate re-runs post-incident rotation for a revoked incident.
func (b *Broker) Rotate(ctx context.Context, ref string) (*models.RotationResult, error) {
	inc, err := b.Incident(ctx, ref)
	if err != nil {
		return nil, err
	}
	if inc.Status != models.IncidentStatusRevoked {
		return nil, fmt.Errorf("incident %s is %s, rotation runs after revocation: %w", inc.ID, inc.Status, errors.ErrInvalidTransition)
	}
	result, err := b.c.Rotation.Rotate(ctx, inc)
	if err != nil {
		b.printer.Printf("incident %s: %s", inc.ID, result.Message)
		return result, err
	}
	b.printer.Printf("incident %s: rotation %s (%d paths)", inc.ID, result.Status, len(result.Paths))
	return result, nil
}

func (b *Broker) threshold(ctx context.Context) (int, error) {
	if b.settings.Threshold > 0 {
		return b.settings.Threshold, nil
	}
	if b.c.Threshold == nil {
		return 0, errors.NewValidationError("threshold", "no threshold configured and no secret store to ask")
	}
	n, err := b.c.Threshold.Threshold(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to discover key share threshold: %w", err)
	}
	return n, nil
}

func (b *Broker) fail(ctx context.Context, inc *models.Incident, what string, cause error, severity models.Severity) {
	ctx = context.WithoutCancel(ctx)
	if _, err := b.c.Registry.Fail(ctx, inc.ID, fmt.Sprintf("%s: %v", what, cause), severity); err != nil {
		b.logger.ErrorContext(ctx, "failed to mark incident failed", "incident_id", inc.ID, "error", err)
	}
	b.metrics.IncidentFinished(string(models.IncidentStatusFailed))
	b.printer.Printf("incident %s failed: %s: %v", inc.ID, what, cause)
}
