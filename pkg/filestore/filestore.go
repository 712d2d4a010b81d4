// Package filestore keeps incidents and audit events in plain files for hosts
// without a database. Incidents are one JSON document each, the audit log is
// JSON lines, and a flock on a shared lock file serializes writers across
// processes.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
)

const (
	incidentsDir = "incidents"
	auditFile    = "audit.jsonl"
	lockFile     = ".lock"

	// DefaultLockTimeout bounds how long a writer waits for another process.
	DefaultLockTimeout = 10 * time.Second
)

// Store owns a state directory.
type Store struct {
	dir         string
	lockTimeout time.Duration

	mu   sync.Mutex
	lock *os.File
}

// Option configures the store.
type Option func(*Store)

// WithLockTimeout bounds lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Open creates the directory layout if needed and opens the lock file.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, incidentsDir), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	lf, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open state lock file: %w", err)
	}
	s := &Store{dir: dir, lockTimeout: DefaultLockTimeout, lock: lf}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the lock file.
func (s *Store) Close() error {
	if err := s.lock.Close(); err != nil {
		return fmt.Errorf("failed to close state lock file: %w", err)
	}
	return nil
}

// Incidents returns the incident repository backed by this store.
func (s *Store) Incidents() *IncidentRepository {
	return &IncidentRepository{store: s}
}

// Audit returns the audit repository backed by this store.
func (s *Store) Audit() *AuditRepository {
	return &AuditRepository{store: s}
}

// withLock runs fn holding the in-process mutex and the cross-process flock.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = s.lockTimeout

	err := backoff.Retry(func() error {
		err := syscall.Flock(int(s.lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if goerrors.Is(err, syscall.EWOULDBLOCK) || goerrors.Is(err, syscall.EINTR) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(s.lock.Fd()), syscall.LOCK_UN) }()

	return fn()
}

func (s *Store) incidentPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid incident ID %q: %w", id, errors.ErrInvalidInput)
	}
	return filepath.Join(s.dir, incidentsDir, id+".json"), nil
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".incident-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// =============================================================================
// Incident Repository
// =============================================================================

// IncidentRepository implements registry.Repository on JSON files.
type IncidentRepository struct {
	store *Store
}

var _ registry.Repository = (*IncidentRepository)(nil)

// Create persists a new incident unless another one is in flight.
func (r *IncidentRepository) Create(ctx context.Context, inc *models.Incident) error {
	path, err := r.store.incidentPath(inc.ID)
	if err != nil {
		return err
	}
	return r.store.withLock(ctx, func() error {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("incident %s: %w", inc.ID, errors.ErrConflict)
		}
		all, err := r.readAll()
		if err != nil {
			return err
		}
		for _, existing := range all {
			if existing.Status.InFlight() {
				return fmt.Errorf("incident %s is %s: %w", existing.ID, existing.Status, errors.ErrIncidentInFlight)
			}
		}
		return r.write(path, inc)
	})
}

// Get retrieves an incident by ID.
func (r *IncidentRepository) Get(_ context.Context, id string) (*models.Incident, error) {
	path, err := r.store.incidentPath(id)
	if err != nil {
		return nil, errors.ErrNotFound
	}
	return readIncident(path)
}

// GetByAccessor retrieves the incident that issued the given credential.
func (r *IncidentRepository) GetByAccessor(_ context.Context, accessor string) (*models.Incident, error) {
	if accessor == "" {
		return nil, errors.ErrNotFound
	}
	all, err := r.readAll()
	if err != nil {
		return nil, err
	}
	for _, inc := range all {
		if inc.TokenAccessor == accessor {
			return inc, nil
		}
	}
	return nil, errors.ErrNotFound
}

// List returns incidents in creation order, optionally filtered by status.
func (r *IncidentRepository) List(_ context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error) {
	all, err := r.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Incident, 0, len(all))
	for _, inc := range all {
		if len(statuses) > 0 && !slices.Contains(statuses, inc.Status) {
			continue
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InitiatedAt.Equal(out[j].InitiatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].InitiatedAt.Before(out[j].InitiatedAt)
	})
	return out, nil
}

// Update replaces an incident if its stored status still equals expected.
func (r *IncidentRepository) Update(ctx context.Context, inc *models.Incident, expected models.IncidentStatus) error {
	path, err := r.store.incidentPath(inc.ID)
	if err != nil {
		return errors.ErrNotFound
	}
	return r.store.withLock(ctx, func() error {
		current, err := readIncident(path)
		if err != nil {
			return err
		}
		if current.Status != expected {
			return fmt.Errorf("incident %s is %s, expected %s: %w", inc.ID, current.Status, expected, errors.ErrConflict)
		}
		return r.write(path, inc)
	})
}

func (r *IncidentRepository) write(path string, inc *models.Incident) error {
	data, err := json.MarshalIndent(inc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	return writeFile(path, data)
}

func (r *IncidentRepository) readAll() ([]*models.Incident, error) {
	entries, err := os.ReadDir(filepath.Join(r.store.dir, incidentsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read incidents directory: %w", err)
	}
	out := make([]*models.Incident, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		inc, err := readIncident(filepath.Join(r.store.dir, incidentsDir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

func readIncident(path string) (*models.Incident, error) {
	data, err := os.ReadFile(path)
	if goerrors.Is(err, os.ErrNotExist) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read incident: %w", err)
	}
	var inc models.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return &inc, nil
}

// =============================================================================
// Audit Repository
// =============================================================================

// AuditRepository implements audit.Repository on a JSON lines file.
type AuditRepository struct {
	store *Store
}

var _ audit.Repository = (*AuditRepository)(nil)

// Append links event to the last line and writes it as one line at the end
// of the log. The flock is held across both steps.
func (r *AuditRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	return r.store.withLock(ctx, func() error {
		last, err := r.Last(ctx)
		if err != nil {
			return err
		}
		audit.Link(event, last)
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		line = append(line, '\n')

		f, err := os.OpenFile(r.path(), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to append audit event: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
		return f.Close()
	})
}

// Last returns the most recently appended event, or nil for an empty log.
func (r *AuditRepository) Last(_ context.Context) (*models.AuditEvent, error) {
	var last *models.AuditEvent
	err := r.scan(func(e *models.AuditEvent) bool {
		last = e
		return true
	})
	return last, err
}

// Query retrieves audit events matching criteria in append order.
func (r *AuditRepository) Query(_ context.Context, query audit.QueryParams) ([]*models.AuditEvent, error) {
	var out []*models.AuditEvent
	err := r.scan(func(e *models.AuditEvent) bool {
		if query.Matches(e) {
			out = append(out, e)
		}
		return query.Limit <= 0 || len(out) < query.Limit
	})
	return out, err
}

func (r *AuditRepository) path() string {
	return filepath.Join(r.store.dir, auditFile)
}

func (r *AuditRepository) scan(fn func(*models.AuditEvent) bool) error {
	f, err := os.Open(r.path())
	if goerrors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e models.AuditEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("failed to decode audit log line %d: %w", line, err)
		}
		if !fn(&e) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	return nil
}
