// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrPolicy       = errors.New("policy rejection")
	ErrNotFound     = errors.New("not found")
	ErrUpstream     = errors.New("upstream failure")
	ErrInternal     = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "owner", "workflow.stages")
	Resource string // For not found/policy (e.g., "job", "environment")
	Op       string // Operation that failed (e.g., "store.createJob")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Unauthorized creates an authentication failure (bad signature, replayed
// nonce, identity not on the allow-list).
func Unauthorized(message string) error {
	return &Error{
		Sentinel: ErrUnauthorized,
		Message:  message,
	}
}

// Policy creates an admission-policy rejection (duplicate agreement,
// ineligible environment).
func Policy(resource, message string) error {
	return &Error{
		Sentinel: ErrPolicy,
		Message:  message,
		Resource: resource,
	}
}

// NotFound creates a not found error. Result-fetch authorization failures use
// this kind on purpose: a mismatched owner or provider must not learn whether
// the job exists.
func NotFound(resource, message string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  message,
		Resource: resource,
	}
}

// Upstream creates an error for a failed fetch from an external artifact store.
func Upstream(op string, cause error) error {
	return &Error{
		Sentinel: ErrUpstream,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
