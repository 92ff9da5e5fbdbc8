package jobs

import (
	"errors"

	"github.com/ternarybob/formrunner/internal/models"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("job not found")
	ErrSessionUnavailable = errors.New("no active browser session")
	ErrNavigationMismatch = errors.New("navigation did not reach expected target")
	ErrSubmission         = errors.New("chunk submission failed")
	ErrUnexpected         = errors.New("unexpected failure")
)

// KindOf maps an error produced by this package to its failure kind.
// Errors outside the taxonomy are reported as unexpected.
func KindOf(err error) models.FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return models.FailureValidation
	case errors.Is(err, ErrNotFound):
		return models.FailureNotFound
	case errors.Is(err, ErrSessionUnavailable):
		return models.FailureSessionUnavailable
	case errors.Is(err, ErrNavigationMismatch):
		return models.FailureNavigationMismatch
	case errors.Is(err, ErrSubmission):
		return models.FailureSubmission
	default:
		return models.FailureUnexpected
	}
}
