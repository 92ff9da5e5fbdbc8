package models

// Verdict is the outcome of polling a job's control state.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictStop     Verdict = "stop"
	VerdictNotFound Verdict = "not_found"
)

// FailureKind classifies why a job or lane failed.
type FailureKind string

const (
	FailureValidation         FailureKind = "validation"
	FailureNotFound           FailureKind = "not_found"
	FailureSessionUnavailable FailureKind = "session_unavailable"
	FailureNavigationMismatch FailureKind = "navigation_mismatch"
	FailureSubmission         FailureKind = "submission_failure"
	FailureUnexpected         FailureKind = "unexpected"
)
