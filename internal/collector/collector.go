// Package collector gathers M-of-N unseal key shares from operators.
package collector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
	"k8s.io/utils/clock"
)

// DefaultMinShareLength is the shortest share accepted when none is configured.
const DefaultMinShareLength = 16

const maxShareLength = 1024

// ErrAborted is returned by sources when the operator cancels collection.
var ErrAborted = goerrors.New("key collection aborted by operator")

// Source supplies key shares one at a time.
type Source interface {
	// Next blocks until the share with the given sequence number is
	// entered. io.EOF or ErrAborted end collection.
	Next(ctx context.Context, seq int) ([]byte, error)
	// Reject reports a share that was not accepted so it can be re-entered.
	Reject(seq int, err error)
}

// Collector validates shares and audits their acceptance.
type Collector struct {
	audit     audit.Service
	minLength int
	clock     clock.PassiveClock
	logger    *slog.Logger
}

// Option configures the collector.
type Option func(*Collector)

// WithMinShareLength sets the minimum accepted share length.
func WithMinShareLength(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.minLength = n
		}
	}
}

// WithClock sets the collector clock.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Collector) { c.clock = clk }
}

// WithLogger sets the collector logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New creates a collector.
func New(auditSvc audit.Service, opts ...Option) *Collector {
	c := &Collector{
		audit:     auditSvc,
		minLength: DefaultMinShareLength,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect reads shares from src until exactly threshold valid shares were
// accepted. On abort every accepted share is wiped and a
// CollectionAbortedError is returned.
func (c *Collector) Collect(ctx context.Context, incidentID, operator string, threshold int, src Source) ([]*models.KeyShare, error) {
	if threshold < 1 {
		return nil, errors.NewValidationError("threshold", "threshold must be at least 1")
	}

	c.emit(ctx, &models.AuditEvent{
		Kind:       models.AuditKeyCollectionStarted,
		IncidentID: incidentID,
		Operator:   operator,
		Details:    map[string]any{"threshold": threshold},
	})

	shares := make([]*models.KeyShare, 0, threshold)
	for len(shares) < threshold {
		seq := len(shares) + 1
		raw, err := src.Next(ctx, seq)
		if err != nil {
			return nil, c.abort(ctx, incidentID, operator, threshold, shares, err)
		}

		value, verr := c.validate(raw, shares)
		zero(raw)
		if verr != nil {
			c.logger.WarnContext(ctx, "key share rejected", "incident_id", incidentID, "sequence", seq, "reason", verr.Message)
			src.Reject(seq, verr)
			continue
		}

		shares = append(shares, models.NewKeyShare(seq, value, c.clock.Now().UTC()))
		zero(value)
		c.emit(ctx, &models.AuditEvent{
			Kind:       models.AuditShareAccepted,
			IncidentID: incidentID,
			Operator:   operator,
			Details:    map[string]any{"sequence": seq},
		})
	}

	c.emit(ctx, &models.AuditEvent{
		Kind:       models.AuditKeyCollectionComplete,
		IncidentID: incidentID,
		Operator:   operator,
		Details:    map[string]any{"shares": len(shares)},
	})
	return shares, nil
}

func (c *Collector) abort(ctx context.Context, incidentID, operator string, threshold int, shares []*models.KeyShare, cause error) error {
	accepted := len(shares)
	models.ZeroShares(shares)

	if goerrors.Is(cause, io.EOF) {
		cause = ErrAborted
	}
	c.logger.WarnContext(ctx, "key collection aborted", "incident_id", incidentID, "accepted", accepted, "threshold", threshold, "error", cause)
	c.emit(ctx, &models.AuditEvent{
		Kind:       models.AuditCollectionAborted,
		IncidentID: incidentID,
		Operator:   operator,
		Severity:   models.SeverityWarning,
		Details:    map[string]any{"accepted": accepted, "threshold": threshold, "cause": cause.Error()},
	})
	return errors.NewCollectionAbortedError(incidentID, accepted, threshold, cause)
}

// validate returns a trimmed copy of raw or a validation error. Messages never
// include the share itself.
func (c *Collector) validate(raw []byte, accepted []*models.KeyShare) ([]byte, *errors.ValidationError) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) < c.minLength:
		return nil, errors.NewValidationError("share", fmt.Sprintf("share must be at least %d characters", c.minLength))
	case len(trimmed) > maxShareLength:
		return nil, errors.NewValidationError("share", fmt.Sprintf("share must be at most %d characters", maxShareLength))
	case !wellFormed(trimmed):
		return nil, errors.NewValidationError("share", "share must be base64 or hex encoded")
	}
	for _, s := range accepted {
		if s.Equal(trimmed) {
			return nil, errors.NewValidationError("share", fmt.Sprintf("share duplicates share %d", s.Sequence))
		}
	}
	value := make([]byte, len(trimmed))
	copy(value, trimmed)
	return value, nil
}

// wellFormed decodes b into a scratch buffer that is wiped before returning.
func wellFormed(b []byte) bool {
	scratch := make([]byte, base64.RawStdEncoding.DecodedLen(len(b)))
	defer zero(scratch)

	if _, err := hex.Decode(scratch, b); err == nil {
		return true
	}
	if _, err := base64.StdEncoding.Decode(scratch, b); err == nil {
		return true
	}
	_, err := base64.RawStdEncoding.Decode(scratch, b)
	return err == nil
}

func (c *Collector) emit(ctx context.Context, event *models.AuditEvent) {
	if err := c.audit.Log(ctx, event); err != nil {
		c.logger.ErrorContext(ctx, "failed to write audit event", "event_kind", event.Kind, "incident_id", event.IncidentID, "error", err)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
