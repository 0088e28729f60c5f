package queue

import "fmt"

// Code classifies a queue-level error for callers that need to branch on
// it without string-matching error messages.
type Code string

const (
	CodeSourceNotFound Code = "source_not_found"
	CodeJobNotFound    Code = "job_not_found"
	CodeDuplicateJob   Code = "duplicate_job"
	CodeNotOwner       Code = "not_owner"
	CodeDomainBusy     Code = "domain_busy"
)

// ValidationError covers bad inputs: unknown source id, malformed
// parameters. Never retried.
type ValidationError struct {
	Code    Code
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ConflictError covers DuplicateJob, NotOwner, and DomainBusy: the caller
// decides how to react, queue logic never retries these on its own.
type ConflictError struct {
	Code          Code
	Message       string
	ExistingJobID string
}

func (e *ConflictError) Error() string {
	if e.ExistingJobID != "" {
		return fmt.Sprintf("%s: %s (existing_job_id=%s)", e.Code, e.Message, e.ExistingJobID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TransientStoreError covers serialization failures, connection resets,
// and deadlocks. Queue operations retry these internally up to a bounded
// number of attempts before surfacing one to the caller.
type TransientStoreError struct {
	Message string
	Cause   error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error: %s: %v", e.Message, e.Cause)
}

func (e *TransientStoreError) Unwrap() error { return e.Cause }

func newValidation(code Code, msg string) error {
	return &ValidationError{Code: code, Message: msg}
}

func newConflict(code Code, msg, existingJobID string) error {
	return &ConflictError{Code: code, Message: msg, ExistingJobID: existingJobID}
}
