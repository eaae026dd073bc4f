// Package apperr defines the error taxonomy shared across the storage core.
//
// Every error that crosses a package boundary is classified with one of the
// kinds below so callers (and eventually controllers) can map it to a stable
// client-visible outcome without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	// KindInternal is the default for unclassified failures.
	KindInternal Kind = iota
	// KindInvalidArgument marks malformed input (bad range, bad IV length).
	// Never retried.
	KindInvalidArgument
	// KindConflict marks optimistic-lock mismatches, duplicate active content,
	// locks held by another owner and invalid state transitions. Retryable by
	// the caller after re-reading state.
	KindConflict
	// KindNotFound marks a missing active record, asset or session.
	KindNotFound
	// KindBadRequest marks a request rejected by a validation rule (size
	// ceilings, incomplete part sets).
	KindBadRequest
	// KindAuthenticationFailed marks a cipher tag mismatch. Fatal for the
	// read; no partial plaintext is ever returned alongside it.
	KindAuthenticationFailed
	// KindUnsupported marks configuration-level failures such as an unknown
	// algorithm or a non-16-byte IV.
	KindUnsupported
)

// Error pairs a kind with an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a format string.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error, preserving the chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of err, or KindInternal if unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ErrEmptySource is returned when a content handle holds no content at all.
var ErrEmptySource = errors.New("no content source present")

func IsInvalidArgument(err error) bool { return Is(err, KindInvalidArgument) }
func IsConflict(err error) bool        { return Is(err, KindConflict) }
func IsNotFound(err error) bool        { return Is(err, KindNotFound) }
func IsBadRequest(err error) bool      { return Is(err, KindBadRequest) }
func IsUnsupported(err error) bool     { return Is(err, KindUnsupported) }

// IsAuthenticationFailed reports a cipher authentication failure.
func IsAuthenticationFailed(err error) bool { return Is(err, KindAuthenticationFailed) }
