// Package errors defines custom error types for the break-glass broker.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common error cases.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("resource conflict")
	ErrIncidentInFlight  = errors.New("another break-glass incident is already in flight")
	ErrInvalidTransition = errors.New("invalid incident status transition")
	ErrUnknownIncident   = errors.New("incident does not exist")
	ErrShareInvalid      = errors.New("invalid key share")
	ErrThresholdNotMet   = errors.New("key share threshold not met")
	ErrVaultSealed       = errors.New("vault is sealed")
	ErrVaultUnsupported  = errors.New("vault version not supported")
	ErrPolicyDenied      = errors.New("break-glass request denied by policy")
)

// ValidationError represents a local, user-correctable validation error.
type ValidationError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// CollectionAbortedError is returned when key collection ends before the
// threshold is reached.
type CollectionAbortedError struct {
	IncidentID string
	Accepted   int
	Threshold  int
	Cause      error
}

func (e *CollectionAbortedError) Error() string {
	msg := fmt.Sprintf("key collection aborted for incident %s after %d of %d shares", e.IncidentID, e.Accepted, e.Threshold)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CollectionAbortedError) Unwrap() error {
	return e.Cause
}

// NewCollectionAbortedError creates a new collection aborted error.
func NewCollectionAbortedError(incidentID string, accepted, threshold int, cause error) *CollectionAbortedError {
	return &CollectionAbortedError{IncidentID: incidentID, Accepted: accepted, Threshold: threshold, Cause: cause}
}

// GenerationFailedError is returned when the secret store rejects or does not
// complete the root generation handshake.
type GenerationFailedError struct {
	IncidentID string
	Phase      string
	Cause      error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("root generation failed for incident %s during '%s': %v", e.IncidentID, e.Phase, e.Cause)
}

func (e *GenerationFailedError) Unwrap() error {
	return e.Cause
}

// NewGenerationFailedError creates a new generation failed error.
func NewGenerationFailedError(incidentID, phase string, cause error) *GenerationFailedError {
	return &GenerationFailedError{IncidentID: incidentID, Phase: phase, Cause: cause}
}

// IssuanceFailedError is returned when policy or credential creation fails
// after a root credential was generated.
type IssuanceFailedError struct {
	IncidentID string
	Step       string
	Cause      error
}

func (e *IssuanceFailedError) Error() string {
	return fmt.Sprintf("credential issuance failed for incident %s at step '%s': %v", e.IncidentID, e.Step, e.Cause)
}

func (e *IssuanceFailedError) Unwrap() error {
	return e.Cause
}

// NewIssuanceFailedError creates a new issuance failed error.
func NewIssuanceFailedError(incidentID, step string, cause error) *IssuanceFailedError {
	return &IssuanceFailedError{IncidentID: incidentID, Step: step, Cause: cause}
}

// RevocationPartialFailureError lists the cleanup steps that did not succeed.
type RevocationPartialFailureError struct {
	IncidentID string
	Failures   map[string]error
}

func (e *RevocationPartialFailureError) Error() string {
	steps := make([]string, 0, len(e.Failures))
	for step, err := range e.Failures {
		steps = append(steps, fmt.Sprintf("%s: %v", step, err))
	}
	return fmt.Sprintf("revocation of incident %s incomplete: %s", e.IncidentID, strings.Join(steps, "; "))
}

// Unwrap exposes the individual step failures.
func (e *RevocationPartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// NewRevocationPartialFailureError creates a new revocation partial failure error.
func NewRevocationPartialFailureError(incidentID string, failures map[string]error) *RevocationPartialFailureError {
	return &RevocationPartialFailureError{IncidentID: incidentID, Failures: failures}
}

// RotationUnavailableError signals that secrets must be rotated manually.
type RotationUnavailableError struct {
	IncidentID string
	Paths      []string
	Cause      error
}

func (e *RotationUnavailableError) Error() string {
	return fmt.Sprintf("rotation service unavailable for incident %s (%d paths need manual rotation): %v", e.IncidentID, len(e.Paths), e.Cause)
}

func (e *RotationUnavailableError) Unwrap() error {
	return e.Cause
}

// NewRotationUnavailableError creates a new rotation unavailable error.
func NewRotationUnavailableError(incidentID string, paths []string, cause error) *RotationUnavailableError {
	return &RotationUnavailableError{IncidentID: incidentID, Paths: paths, Cause: cause}
}
