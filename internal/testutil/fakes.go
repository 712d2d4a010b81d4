package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/vault"
)

// Secret store operation names used for call recording and error injection.
const (
	OpThreshold        = "threshold"
	OpInit             = "init"
	OpSubmit           = "submit"
	OpDecode           = "decode"
	OpCancel           = "cancel"
	OpLookup           = "lookup"
	OpWritePolicy      = "write_policy"
	OpDeletePolicy     = "delete_policy"
	OpIssue            = "issue"
	OpRevokeCredential = "revoke_credential"
	OpRevokeSelf       = "revoke_self"
	OpAuditTrail       = "audit_trail"
)

// FakeSecretStore is an in-memory secret store that records every call.
type FakeSecretStore struct {
	mu sync.Mutex

	KeyThreshold  int
	RootToken     string
	RootAccessor  string
	InvalidShares map[string]bool
	Trail         []models.AuditTrailEntry
	// OnCall runs before every operation, with the store locked. Tests use it
	// to cancel a context at a chosen step.
	OnCall func(op string)

	errs      map[string]error
	failTimes map[string]int
	calls     []string

	nonce        string
	progress     int
	lastComplete bool
	decodedEarly bool

	Policies    map[string]string
	Issued      map[string]string
	Revoked     map[string]bool
	SelfRevoked []string
	IssueReqs   []*vault.IssueRequest
	seq         int
}

// NewFakeSecretStore creates a fake store requiring threshold shares.
func NewFakeSecretStore(threshold int) *FakeSecretStore {
	return &FakeSecretStore{
		KeyThreshold:  threshold,
		RootToken:     "hvs.fake-root-token",
		RootAccessor:  "root-accessor",
		InvalidShares: make(map[string]bool),
		errs:          make(map[string]error),
		failTimes:     make(map[string]int),
		Policies:      make(map[string]string),
		Issued:        make(map[string]string),
		Revoked:       make(map[string]bool),
	}
}

// SetError makes op fail with err until cleared with a nil err.
func (f *FakeSecretStore) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// FailTimes makes the next n calls of op fail.
func (f *FakeSecretStore) FailTimes(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTimes[op] = n
}

// Calls returns the recorded operation names in order.
func (f *FakeSecretStore) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how often op was called.
func (f *FakeSecretStore) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// DecodedBeforeComplete reports whether decode ran while the last submit had
// not reported completion.
func (f *FakeSecretStore) DecodedBeforeComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decodedEarly
}

// IsRevoked reports whether accessor was revoked.
func (f *FakeSecretStore) IsRevoked(accessor string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Revoked[accessor]
}

// HasPolicy reports whether a policy exists.
func (f *FakeSecretStore) HasPolicy(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Policies[name]
	return ok
}

// record must be called with mu held. Like a real client, a call made with a
// finished context never reaches the store and is not recorded.
func (f *FakeSecretStore) record(ctx context.Context, op string) error {
	if f.OnCall != nil {
		f.OnCall(op)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("fake %s: %w", op, err)
	}
	f.calls = append(f.calls, op)
	if n := f.failTimes[op]; n > 0 {
		f.failTimes[op] = n - 1
		return fmt.Errorf("fake %s: transient failure", op)
	}
	return f.errs[op]
}

func (f *FakeSecretStore) Threshold(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpThreshold); err != nil {
		return 0, err
	}
	return f.KeyThreshold, nil
}

func (f *FakeSecretStore) InitGeneration(ctx context.Context) (*vault.GenerationAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpInit); err != nil {
		return nil, err
	}
	f.seq++
	f.nonce = fmt.Sprintf("nonce-%d", f.seq)
	f.progress = 0
	f.lastComplete = false
	return &vault.GenerationAttempt{Nonce: f.nonce, OTP: "otp"}, nil
}

func (f *FakeSecretStore) SubmitShare(ctx context.Context, nonce, share string) (*vault.ShareProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpSubmit); err != nil {
		return nil, err
	}
	if nonce != f.nonce {
		return nil, errors.New("fake submit: nonce mismatch")
	}
	if f.InvalidShares[share] {
		f.lastComplete = false
		return nil, errors.New("fake submit: invalid key share")
	}
	f.progress++
	p := &vault.ShareProgress{Progress: f.progress, Required: f.KeyThreshold}
	if f.progress >= f.KeyThreshold {
		p.Complete = true
		p.EncodedToken = "encoded-" + nonce
	}
	f.lastComplete = p.Complete
	return p, nil
}

func (f *FakeSecretStore) Decode(ctx context.Context, encodedToken, otp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lastComplete {
		f.decodedEarly = true
	}
	if err := f.record(ctx, OpDecode); err != nil {
		return "", err
	}
	return f.RootToken, nil
}

func (f *FakeSecretStore) CancelGeneration(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpCancel); err != nil {
		return err
	}
	f.nonce = ""
	f.progress = 0
	return nil
}

func (f *FakeSecretStore) LookupAccessor(ctx context.Context, credential string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpLookup); err != nil {
		return "", err
	}
	if credential == f.RootToken {
		return f.RootAccessor, nil
	}
	for accessor, token := range f.Issued {
		if token == credential {
			return accessor, nil
		}
	}
	return "", errors.New("fake lookup: unknown token")
}

func (f *FakeSecretStore) WritePolicy(ctx context.Context, credential, name, document string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpWritePolicy); err != nil {
		return err
	}
	f.Policies[name] = document
	return nil
}

func (f *FakeSecretStore) DeletePolicy(ctx context.Context, credential, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpDeletePolicy); err != nil {
		return err
	}
	delete(f.Policies, name)
	return nil
}

func (f *FakeSecretStore) IssueCredential(ctx context.Context, credential string, req *vault.IssueRequest) (*vault.IssuedToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpIssue); err != nil {
		return nil, err
	}
	f.seq++
	accessor := fmt.Sprintf("accessor-%d", f.seq)
	token := fmt.Sprintf("hvs.emergency-%d", f.seq)
	f.Issued[accessor] = token
	f.IssueReqs = append(f.IssueReqs, req)
	return &vault.IssuedToken{Accessor: accessor, Token: token}, nil
}

func (f *FakeSecretStore) RevokeCredential(ctx context.Context, credential, accessor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpRevokeCredential); err != nil {
		return err
	}
	f.Revoked[accessor] = true
	return nil
}

func (f *FakeSecretStore) RevokeSelf(ctx context.Context, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpRevokeSelf); err != nil {
		return err
	}
	f.SelfRevoked = append(f.SelfRevoked, credential)
	if credential == f.RootToken {
		f.Revoked[f.RootAccessor] = true
	}
	return nil
}

func (f *FakeSecretStore) QueryAuditTrail(ctx context.Context, accessor string, since, until time.Time) ([]models.AuditTrailEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, OpAuditTrail); err != nil {
		return nil, err
	}
	return append([]models.AuditTrailEntry(nil), f.Trail...), nil
}

// RecordingNotifier captures notifications.
type RecordingNotifier struct {
	mu            sync.Mutex
	notifications []audit.Notification
	Err           error
}

// Notify records n.
func (r *RecordingNotifier) Notify(ctx context.Context, n audit.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return r.Err
}

// Notifications returns a copy of the recorded notifications.
func (r *RecordingNotifier) Notifications() []audit.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Notification(nil), r.notifications...)
}

// BySeverity returns recorded notifications of one severity.
func (r *RecordingNotifier) BySeverity(s models.Severity) []audit.Notification {
	var out []audit.Notification
	for _, n := range r.Notifications() {
		if n.Severity == s {
			out = append(out, n)
		}
	}
	return out
}

// FakeRotationService records rotation requests.
type FakeRotationService struct {
	mu    sync.Mutex
	Err   error
	calls []RotationCall
}

// RotationCall is one recorded rotation request.
type RotationCall struct {
	IncidentID string
	Paths      []string
}

// Rotate records the request and rotates every path unless Err is set.
func (f *FakeRotationService) Rotate(ctx context.Context, incidentID string, paths []string) (*models.RotationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, RotationCall{IncidentID: incidentID, Paths: append([]string(nil), paths...)})
	if f.Err != nil {
		return nil, f.Err
	}
	return &models.RotationResult{
		IncidentID: incidentID,
		Status:     models.RotationStatusRotated,
		Paths:      paths,
		Rotated:    paths,
	}, nil
}

// Calls returns the recorded requests.
func (f *FakeRotationService) Calls() []RotationCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RotationCall(nil), f.calls...)
}

// RecordingRotationTrigger stands in for the post-incident rotation trigger.
type RecordingRotationTrigger struct {
	mu        sync.Mutex
	incidents []string
	Err       error
}

// Rotate records the incident ID.
func (r *RecordingRotationTrigger) Rotate(ctx context.Context, inc *models.Incident) (*models.RotationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc.ID)
	if r.Err != nil {
		return nil, r.Err
	}
	return &models.RotationResult{IncidentID: inc.ID, Status: models.RotationStatusNothingToDo}, nil
}

// Incidents returns the IDs the trigger was invoked with.
func (r *RecordingRotationTrigger) Incidents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.incidents...)
}
