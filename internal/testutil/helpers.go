// Package testutil provides test utilities and helpers.
package testutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/witlox/breakglass/pkg/models"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// TestIncident creates an incident in the given status. Active and revoked
// incidents carry issuance bookkeeping.
func TestIncident(id string, status models.IncidentStatus, issuedAt time.Time, ttl time.Duration) *models.Incident {
	inc := &models.Incident{
		ID:          id,
		Operator:    "oncall@example.com",
		Reason:      "database outage",
		InitiatedAt: issuedAt.Add(-time.Minute),
		TTL:         ttl,
		Status:      status,
		UpdatedAt:   issuedAt,
	}
	if status == models.IncidentStatusActive || status == models.IncidentStatusRevoked {
		issued := issuedAt
		expires := issuedAt.Add(ttl)
		inc.IssuedAt = &issued
		inc.ExpiresAt = &expires
		inc.TokenAccessor = "acc-" + id
		inc.PolicyName = "breakglass-" + id
		inc.RootTokenAccessor = "root-acc-" + id
		inc.RootTokenFingerprint = models.Fingerprint("root-" + id)
	}
	if status == models.IncidentStatusRevoked {
		revoked := issuedAt.Add(ttl)
		inc.RevokedAt = &revoked
	}
	return inc
}

// TestShares returns n distinct, well-formed base64 key shares.
func TestShares(n int) [][]byte {
	shares := make([][]byte, n)
	for i := range shares {
		shares[i] = []byte(base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("unseal-key-share-%02d", i+1))))
	}
	return shares
}

// TestLogger returns a logger that discards output.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Assertion Helpers
// =============================================================================

// RequireEventually retries an assertion until it passes or times out.
func RequireEventually(t *testing.T, condition func() bool, timeout, interval time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	require.Fail(t, msg)
}

// =============================================================================
// Context Helpers
// =============================================================================

// TestContext creates a context with a test timeout.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout creates a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// BDD Helpers
// =============================================================================

// Scenario runs a complete BDD scenario.
type Scenario struct {
	t *testing.T
}

// NewScenario creates a new BDD scenario.
func NewScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	t.Logf("Scenario: %s", name)
	return &Scenario{t: t}
}

// Given sets up the scenario preconditions.
func (s *Scenario) Given(description string, setup func()) *Scenario {
	s.t.Helper()
	s.t.Logf("  Given %s", description)
	setup()
	return s
}

// When performs the action being tested.
func (s *Scenario) When(description string, action func()) *Scenario {
	s.t.Helper()
	s.t.Logf("  When %s", description)
	action()
	return s
}

// Then asserts the expected outcome.
func (s *Scenario) Then(description string, assertion func()) *Scenario {
	s.t.Helper()
	s.t.Logf("  Then %s", description)
	assertion()
	return s
}

// And adds an additional step.
func (s *Scenario) And(description string, step func()) *Scenario {
	s.t.Helper()
	s.t.Logf("  And %s", description)
	step()
	return s
}
