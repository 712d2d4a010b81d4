package audit

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
	"k8s.io/utils/clock"
)

const genesisHash = "genesis"

// SystemOperator is recorded for events not caused by a human.
const SystemOperator = "system"

// Option configures the audit service.
type Option func(*serviceImpl)

// WithForwarder forwards every appended event, for example to a SIEM.
func WithForwarder(f Forwarder) Option {
	return func(s *serviceImpl) {
		s.forwarder = f
	}
}

// WithIncidentChecker rejects events that reference unknown incidents.
func WithIncidentChecker(c IncidentChecker) Option {
	return func(s *serviceImpl) {
		s.incidents = c
	}
}

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.PassiveClock) Option {
	return func(s *serviceImpl) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *serviceImpl) {
		s.logger = l
	}
}

// NewService creates a new audit service.
func NewService(repo Repository, opts ...Option) Service {
	s := &serviceImpl{
		repo:      repo,
		forwarder: &noopForwarder{},
		clock:     clock.RealClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type serviceImpl struct {
	repo      Repository
	forwarder Forwarder
	incidents IncidentChecker
	clock     clock.PassiveClock
	logger    *slog.Logger
	mu        sync.Mutex
	inflight  sync.WaitGroup
}

func (s *serviceImpl) Log(ctx context.Context, event *models.AuditEvent) error {
	if event == nil || event.Kind == "" {
		return fmt.Errorf("event kind is required: %w", errors.ErrInvalidInput)
	}
	if event.IncidentID != "" && s.incidents != nil {
		ok, err := s.incidents.Exists(ctx, event.IncidentID)
		if err != nil {
			return fmt.Errorf("failed to check incident %s: %w", event.IncidentID, err)
		}
		if !ok {
			return fmt.Errorf("audit event %s for incident %s: %w", event.Kind, event.IncidentID, errors.ErrUnknownIncident)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	// postgres keeps microseconds; hashes must survive a round trip
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)
	if event.Operator == "" {
		event.Operator = SystemOperator
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}

	event.DataHash = computeEventHash(event)

	// the repository links the event to the stored chain head
	if err := s.repo.Append(ctx, event); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	s.logger.Log(ctx, severityLevel(event.Severity), "audit event",
		"event_kind", event.Kind,
		"incident_id", event.IncidentID,
		"operator", event.Operator,
		"severity", event.Severity,
	)

	forwarded := *event
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.forwarder.Forward(context.WithoutCancel(ctx), &forwarded); err != nil {
			s.logger.WarnContext(ctx, "failed to forward audit event", "event_id", forwarded.ID, "error", err)
		}
	}()

	return nil
}

// Link chains event onto last, the most recently stored event or nil for an
// empty log. Repositories call it under the lock that orders their appends.
func Link(event, last *models.AuditEvent) {
	prev := genesisHash
	switch {
	case last == nil:
	case last.ChainHash != "":
		prev = last.ChainHash
	case last.DataHash != "":
		prev = last.DataHash
	}
	event.PrevHash = prev
	event.ChainHash = computeChainHash(event.DataHash, prev)
}

// computeEventHash computes a SHA-256 hash of the event data.
func computeEventHash(event *models.AuditEvent) string {
	h := sha256.New()
	h.Write([]byte(event.ID))
	h.Write([]byte(event.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(event.Kind))
	h.Write([]byte(event.IncidentID))
	h.Write([]byte(event.Operator))
	h.Write([]byte(event.Severity))
	if len(event.Details) > 0 {
		// map keys are marshalled in sorted order
		details, _ := json.Marshal(event.Details)
		h.Write(details)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// computeChainHash computes the chain hash from current event hash and previous chain hash.
func computeChainHash(currentHash, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(currentHash))
	return hex.EncodeToString(h.Sum(nil))
}

func severityLevel(s models.Severity) slog.Level {
	switch s {
	case models.SeverityCritical:
		return slog.LevelError
	case models.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (s *serviceImpl) Query(ctx context.Context, query QueryParams) ([]*models.AuditEvent, error) {
	events, err := s.repo.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

func (s *serviceImpl) Export(ctx context.Context, req ExportRequest) ([]byte, error) {
	events, err := s.repo.Query(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events for export: %w", err)
	}

	switch req.Format {
	case ExportFormatJSON, "":
		if len(events) == 0 {
			return []byte("[]"), nil
		}
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit events to JSON: %w", err)
		}
		return data, nil
	case ExportFormatCSV:
		return exportCSV(events)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func exportCSV(events []*models.AuditEvent) ([]byte, error) {
	var buf strings.Builder
	writer := csv.NewWriter(&buf)

	header := []string{"id", "timestamp", "event_kind", "incident_id", "operator", "severity", "chain_hash"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		row := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			string(e.Kind),
			e.IncidentID,
			e.Operator,
			string(e.Severity),
			e.ChainHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return []byte(buf.String()), writer.Error()
}

func (s *serviceImpl) VerifyIntegrity(ctx context.Context) (*VerifyResult, error) {
	events, err := s.repo.Query(ctx, QueryParams{})
	if err != nil {
		return nil, fmt.Errorf("query audit events for chain verification: %w", err)
	}
	return VerifyChain(events), nil
}

// VerifyChain checks data hashes and hash links of a complete log in append order.
func VerifyChain(events []*models.AuditEvent) *VerifyResult {
	result := &VerifyResult{Valid: true, Events: len(events)}
	prev := genesisHash
	for _, event := range events {
		if event.DataHash != computeEventHash(event) {
			return broken(result, event, "data hash mismatch")
		}
		if event.PrevHash != prev {
			return broken(result, event, "previous hash does not link")
		}
		if event.ChainHash != computeChainHash(event.DataHash, event.PrevHash) {
			return broken(result, event, "chain hash mismatch")
		}
		prev = event.ChainHash
	}
	return result
}

func broken(r *VerifyResult, event *models.AuditEvent, reason string) *VerifyResult {
	r.Valid = false
	r.BrokenAt = event.ID
	r.Reason = reason
	return r
}

func (s *serviceImpl) Close() {
	s.inflight.Wait()
}

// noopForwarder is a no-op implementation of Forwarder.
type noopForwarder struct{}

func (f *noopForwarder) Forward(ctx context.Context, event *models.AuditEvent) error {
	return nil
}

func (f *noopForwarder) HealthCheck(ctx context.Context) error {
	return nil
}
