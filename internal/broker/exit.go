package broker

import (
	goerrors "errors"

	"github.com/witlox/breakglass/pkg/errors"
)

// Process exit codes.
const (
	ExitOK                   = 0
	ExitCollectionFailed     = 1
	ExitIssuanceFailed       = 2
	ExitInvalidInvocation    = 3
	ExitRevocationIncomplete = 4
)

// ExitCode maps an error returned by a broker operation to the process exit
// code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		validation *errors.ValidationError
		collection *errors.CollectionAbortedError
		generation *errors.GenerationFailedError
		issuance   *errors.IssuanceFailedError
		revocation *errors.RevocationPartialFailureError
	)
	switch {
	case goerrors.As(err, &revocation):
		return ExitRevocationIncomplete
	case goerrors.As(err, &issuance):
		return ExitIssuanceFailed
	case goerrors.As(err, &collection), goerrors.As(err, &generation):
		return ExitCollectionFailed
	case goerrors.As(err, &validation),
		goerrors.Is(err, errors.ErrInvalidInput),
		goerrors.Is(err, errors.ErrNotFound),
		goerrors.Is(err, errors.ErrUnknownIncident),
		goerrors.Is(err, errors.ErrInvalidTransition):
		return ExitInvalidInvocation
	default:
		return ExitCollectionFailed
	}
}
