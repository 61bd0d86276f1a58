// Package platform defines the shared error taxonomy for the AuthCore core.
// Engines convert internal failures into verdicts; only boundary handlers
// (HTTP endpoints, queue consumer) translate kinds into status codes.
package platform

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification.
type Kind string

const (
	KindUnauthenticated      Kind = "unauthenticated"
	KindForbidden            Kind = "forbidden"
	KindInvalidRequest       Kind = "invalid_request"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindPolicyDenied         Kind = "policy_denied"
	KindPolicyTimeout        Kind = "policy_timeout"
	KindPolicyError          Kind = "policy_error"
	KindSandboxUnavailable   Kind = "sandbox_unavailable"
	KindStorageError         Kind = "storage_error"
	KindSignatureInvalid     Kind = "signature_invalid"
	KindIdempotencyDuplicate Kind = "idempotency_duplicate"
	KindIntegrationError     Kind = "integration_error"
	KindInternal             Kind = "internal_error"
)

// Error carries a kind alongside the message. The kind is the only part
// exposed to clients; the wrapped cause stays in logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal_error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
