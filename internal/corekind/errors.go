// Package corekind defines the closed set of error kinds every core
// component classifies its failures into, and a small helper to carry a
// kind alongside a wrapped cause.
package corekind

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds surfaced by the core (spec §7). It is a
// classification, not a replacement for Go's normal error wrapping — a
// Kinded error built by Wrap still exposes its underlying cause via Unwrap.
type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	NotFound          Kind = "not_found"
	AccessDenied      Kind = "access_denied"
	Expired           Kind = "expired"
	IntegrityFailed   Kind = "integrity_failed"
	ProviderTransient Kind = "provider_transient"
	ProviderFatal     Kind = "provider_fatal"
	StorageUnavailable Kind = "storage_unavailable"
	Cancelled         Kind = "cancelled"
	Internal          Kind = "internal"
)

// Error pairs a Kind with an underlying cause and an operator-facing
// message. It satisfies the standard error interface and unwraps to cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap builds a classified Error around cause with a human-readable reason.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// New builds a classified Error with no underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err was classified with the given kind, looking
// through wrapped errors for a *Error.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// KindOf returns the Kind classifying err, or Internal if err was never
// classified.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Recoverable reports whether the propagation policy of spec §7 treats this
// kind as recoverable at the component that produced it (retry locally)
// rather than something that must surface to the caller.
func Recoverable(kind Kind) bool {
	switch kind {
	case ProviderTransient, StorageUnavailable:
		return true
	default:
		return false
	}
}
