// Package errors_test contains tests for error types.
package errors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkgErrors "github.com/witlox/breakglass/pkg/errors"
)

func TestValidationError(t *testing.T) {
	t.Run("creates validation error", func(t *testing.T) {
		err := pkgErrors.NewValidationError("ttl", "must be positive")

		assert.Equal(t, "ttl", err.Field)
		assert.Equal(t, "must be positive", err.Message)
		assert.Contains(t, err.Error(), "ttl")
		assert.Contains(t, err.Error(), "must be positive")
	})

	t.Run("unwraps its cause", func(t *testing.T) {
		err := &pkgErrors.ValidationError{Field: "request", Message: "denied", Cause: pkgErrors.ErrPolicyDenied}

		assert.ErrorIs(t, err, pkgErrors.ErrPolicyDenied)
		assert.NoError(t, pkgErrors.NewValidationError("ttl", "x").Unwrap())
	})
}

func TestCollectionAbortedError(t *testing.T) {
	t.Run("reports progress", func(t *testing.T) {
		err := pkgErrors.NewCollectionAbortedError("inc-1", 2, 3, nil)

		assert.Contains(t, err.Error(), "inc-1")
		assert.Contains(t, err.Error(), "2 of 3")
		assert.NoError(t, errors.Unwrap(err))
	})

	t.Run("unwraps to cause", func(t *testing.T) {
		cause := errors.New("operator aborted")
		err := pkgErrors.NewCollectionAbortedError("inc-1", 0, 3, cause)

		assert.ErrorIs(t, err, cause)
	})
}

func TestGenerationFailedError(t *testing.T) {
	cause := errors.New("nonce mismatch")
	err := pkgErrors.NewGenerationFailedError("inc-2", "submit", cause)

	assert.Equal(t, "submit", err.Phase)
	assert.Contains(t, err.Error(), "inc-2")
	assert.ErrorIs(t, err, cause)

	var target *pkgErrors.GenerationFailedError
	require.ErrorAs(t, error(err), &target)
	assert.Equal(t, "inc-2", target.IncidentID)
}

func TestIssuanceFailedError(t *testing.T) {
	cause := errors.New("permission denied")
	err := pkgErrors.NewIssuanceFailedError("inc-3", "write_policy", cause)

	assert.Contains(t, err.Error(), "write_policy")
	assert.ErrorIs(t, err, cause)
}

func TestRevocationPartialFailureError(t *testing.T) {
	policyErr := errors.New("policy backend down")
	rootErr := errors.New("token store down")
	err := pkgErrors.NewRevocationPartialFailureError("inc-4", map[string]error{
		"delete_policy": policyErr,
		"revoke_root":   rootErr,
	})

	assert.Contains(t, err.Error(), "inc-4")
	assert.Contains(t, err.Error(), "delete_policy")
	assert.Contains(t, err.Error(), "revoke_root")
	assert.ErrorIs(t, err, policyErr)
	assert.ErrorIs(t, err, rootErr)
}

func TestRotationUnavailableError(t *testing.T) {
	err := pkgErrors.NewRotationUnavailableError("inc-5", []string{"secret/data/a", "secret/data/b"}, errors.New("no service"))

	assert.Contains(t, err.Error(), "2 paths")
	assert.Len(t, err.Paths, 2)
}

func TestSentinelErrors(t *testing.T) {
	t.Run("sentinel errors are defined", func(t *testing.T) {
		require.Error(t, pkgErrors.ErrNotFound)
		require.Error(t, pkgErrors.ErrInvalidInput)
		require.Error(t, pkgErrors.ErrConflict)
		require.Error(t, pkgErrors.ErrIncidentInFlight)
		require.Error(t, pkgErrors.ErrInvalidTransition)
		require.Error(t, pkgErrors.ErrUnknownIncident)
		require.Error(t, pkgErrors.ErrShareInvalid)
	})

	t.Run("wrapped sentinels match", func(t *testing.T) {
		wrapped := errors.Join(errors.New("context"), pkgErrors.ErrIncidentInFlight)
		assert.ErrorIs(t, wrapped, pkgErrors.ErrIncidentInFlight)
		assert.NotErrorIs(t, wrapped, pkgErrors.ErrNotFound)
	})
}
