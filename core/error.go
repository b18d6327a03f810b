package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a bridge failure for retry and reporting decisions.
type ErrorKind string

const (
	// ErrConnection is a transient network/transport failure. Retryable.
	ErrConnection ErrorKind = "connection"
	// ErrNotFound means a tool, function, model, or endpoint is missing.
	ErrNotFound ErrorKind = "not_found"
	// ErrPermission is an auth or credential failure.
	ErrPermission ErrorKind = "permission"
	// ErrServer is a remote-side failure (e.g. 5xx). Fatal per attempt.
	ErrServer ErrorKind = "server"
	// ErrDownload is a resource-acquisition failure (e.g. insufficient space).
	ErrDownload ErrorKind = "download"
	// ErrValidation is a parameter schema violation. Never retried.
	ErrValidation ErrorKind = "validation"
	// ErrUnknown is the catch-all applied after retry exhaustion.
	ErrUnknown ErrorKind = "unknown"
)

// BridgeError is a structured failure that flows across transports, the
// registry, and the API surface without losing its classification.
type BridgeError struct {
	Kind        ErrorKind         `json:"kind"`
	Message     string            `json:"message"`
	Suggestion  string            `json:"suggestion,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
	Cause       error             `json:"-"`
}

func (e *BridgeError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *BridgeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the failure is safe to retry.
// Only connection failures qualify.
func (e *BridgeError) Retryable() bool {
	return e != nil && e.Kind == ErrConnection
}

// NewError builds a BridgeError of the given kind.
func NewError(kind ErrorKind, message, suggestion string, cause error) *BridgeError {
	if kind == "" {
		kind = ErrUnknown
	}
	return &BridgeError{
		Kind:       kind,
		Message:    strings.TrimSpace(message),
		Suggestion: strings.TrimSpace(suggestion),
		Cause:      cause,
	}
}

// NewConnectionError builds a retryable transport failure.
func NewConnectionError(message string, cause error) *BridgeError {
	return NewError(ErrConnection, message, "Check the endpoint and network connectivity, then retry.", cause)
}

// NewNotFoundError builds a missing tool/function/model/endpoint failure.
func NewNotFoundError(message string) *BridgeError {
	return NewError(ErrNotFound, message, "Verify the name against the discovered catalog.", nil)
}

// NewValidationError builds a schema-violation failure carrying field errors.
func NewValidationError(fieldErrors map[string]string) *BridgeError {
	err := NewError(ErrValidation, "parameter validation failed", "Fix the listed parameters and call again.", nil)
	err.FieldErrors = fieldErrors
	return err
}

// WrapUnknown wraps err as an Unknown failure with a generic recovery
// suggestion. Used after retry budgets are exhausted.
func WrapUnknown(message string, cause error) *BridgeError {
	return NewError(ErrUnknown, message, "Retry the operation; if the failure persists, restart the bridge.", cause)
}

// KindOf returns the classified kind of err, or ErrUnknown when it carries
// no classification.
func KindOf(err error) ErrorKind {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) && bridgeErr != nil {
		return bridgeErr.Kind
	}
	return ErrUnknown
}

// IsRetryable reports whether err is classified as a transient failure.
func IsRetryable(err error) bool {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Retryable()
	}
	return false
}
