// Package rootgen drives the secret store's root generation handshake.
package rootgen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/vault"
	"k8s.io/utils/clock"
)

// Handshake phases reported in GenerationFailedError.
const (
	PhaseInit   = "init"
	PhaseSubmit = "submit"
	PhaseDecode = "decode"
	PhaseLookup = "lookup"
	PhaseRecord = "record"
)

// DefaultCleanupTimeout bounds cancelling an attempt or revoking an
// untracked root credential.
const DefaultCleanupTimeout = 5 * time.Minute

// SecretStore is the part of the secret store used for root generation.
type SecretStore interface {
	InitGeneration(ctx context.Context) (*vault.GenerationAttempt, error)
	SubmitShare(ctx context.Context, nonce, share string) (*vault.ShareProgress, error)
	Decode(ctx context.Context, encodedToken, otp string) (string, error)
	CancelGeneration(ctx context.Context) error
	LookupAccessor(ctx context.Context, credential string) (string, error)
	RevokeSelf(ctx context.Context, credential string) error
}

// Recorder persists the root credential's non-secret identity on its
// incident.
type Recorder interface {
	RecordRoot(ctx context.Context, id, fingerprint, accessor string) (*models.Incident, error)
}

// Generator turns collected key shares into a root credential.
type Generator struct {
	store    SecretStore
	audit    audit.Service
	recorder Recorder
	clock    clock.PassiveClock
	cleanup  time.Duration
	logger   *slog.Logger
}

// Option configures the generator.
type Option func(*Generator)

// WithRecorder persists the root accessor as soon as it is known.
func WithRecorder(r Recorder) Option {
	return func(g *Generator) { g.recorder = r }
}

// WithCleanupTimeout bounds the unwind of a failed attempt.
func WithCleanupTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.cleanup = d
		}
	}
}

// New creates a generator.
func New(store SecretStore, auditSvc audit.Service, clk clock.PassiveClock, logger *slog.Logger, opts ...Option) *Generator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{store: store, audit: auditSvc, clock: clk, cleanup: DefaultCleanupTimeout, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate submits shares in order and decodes the root credential once the
// store reports completion. Shares are wiped before returning. Any failure
// abandons the attempt; nothing is retried with stale state.
func (g *Generator) Generate(ctx context.Context, inc *models.Incident, shares []*models.KeyShare) (*models.RootCredential, error) {
	defer models.ZeroShares(shares)

	g.emit(ctx, inc, models.AuditGenerationStarted, models.SeverityInfo, map[string]any{"shares": len(shares)})

	attempt, err := g.store.InitGeneration(ctx)
	if err != nil {
		// an interrupted request may still have opened an attempt
		return nil, g.fail(ctx, inc, PhaseInit, err, ctx.Err() != nil)
	}

	var progress *vault.ShareProgress
	for _, share := range shares {
		progress, err = g.store.SubmitShare(ctx, attempt.Nonce, share.Value())
		if err != nil {
			return nil, g.fail(ctx, inc, PhaseSubmit, fmt.Errorf("share %d rejected: %w", share.Sequence, err), true)
		}
		g.logger.InfoContext(ctx, "key share submitted",
			"incident_id", inc.ID,
			"sequence", share.Sequence,
			"progress", progress.Progress,
			"required", progress.Required,
		)
		if progress.Complete {
			break
		}
	}

	if progress == nil || !progress.Complete {
		return nil, g.fail(ctx, inc, PhaseSubmit, errors.ErrThresholdNotMet, true)
	}
	if progress.EncodedToken == "" {
		return nil, g.fail(ctx, inc, PhaseSubmit, fmt.Errorf("store reported completion without an encoded token"), true)
	}

	token, err := g.store.Decode(ctx, progress.EncodedToken, attempt.OTP)
	if err != nil {
		return nil, g.fail(ctx, inc, PhaseDecode, err, false)
	}

	accessor, err := g.store.LookupAccessor(ctx, token)
	if err != nil {
		// the token is live but untracked; it must not survive
		g.revokeUntracked(ctx, inc, token)
		return nil, g.fail(ctx, inc, PhaseLookup, err, false)
	}

	root := models.NewRootCredential(token, accessor, g.clock.Now().UTC())
	if g.recorder != nil {
		if _, err := g.recorder.RecordRoot(ctx, inc.ID, root.Fingerprint, root.Accessor); err != nil {
			g.revokeUntracked(ctx, inc, token)
			root.Zero()
			return nil, g.fail(ctx, inc, PhaseRecord, err, false)
		}
	}
	g.logger.InfoContext(ctx, "root credential generated", "incident_id", inc.ID, "fingerprint", root.Fingerprint)
	g.emit(ctx, inc, models.AuditGenerationComplete, models.SeverityInfo, map[string]any{
		"fingerprint":   root.Fingerprint,
		"root_accessor": root.Accessor,
	})
	return root, nil
}

func (g *Generator) revokeUntracked(ctx context.Context, inc *models.Incident, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cleanup)
	defer cancel()
	if err := g.store.RevokeSelf(ctx, token); err != nil {
		g.logger.ErrorContext(ctx, "failed to revoke untracked root credential", "incident_id", inc.ID, "error", err)
	}
}

// fail abandons the attempt. It runs even when ctx is already cancelled.
func (g *Generator) fail(ctx context.Context, inc *models.Incident, phase string, cause error, cancelAttempt bool) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cleanup)
	defer cancel()

	if cancelAttempt {
		if err := g.store.CancelGeneration(ctx); err != nil {
			g.logger.WarnContext(ctx, "failed to cancel root generation", "incident_id", inc.ID, "error", err)
		}
	}
	g.logger.ErrorContext(ctx, "root generation failed", "incident_id", inc.ID, "phase", phase, "error", cause)
	g.emit(ctx, inc, models.AuditGenerationFailed, models.SeverityCritical, map[string]any{
		"phase": phase,
		"error": cause.Error(),
	})
	return errors.NewGenerationFailedError(inc.ID, phase, cause)
}

func (g *Generator) emit(ctx context.Context, inc *models.Incident, kind models.AuditEventKind, severity models.Severity, details map[string]any) {
	err := g.audit.Log(ctx, &models.AuditEvent{
		Kind:       kind,
		IncidentID: inc.ID,
		Operator:   inc.Operator,
		Severity:   severity,
		Details:    details,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to write audit event", "event_kind", kind, "incident_id", inc.ID, "error", err)
	}
}
