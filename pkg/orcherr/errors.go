// Package orcherr classifies orchestration errors into the kinds the API
// and supervisors dispatch on. Errors wrap an underlying cause and are
// inspected with errors.Is / orcherr.KindOf.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind partitions errors by how callers must react.
type Kind string

const (
	// KindNotFound means the referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict means a claim or fence race was lost.
	KindConflict Kind = "conflict"
	// KindInvariant means a state transition or invariant was rejected.
	KindInvariant Kind = "invariant"
	// KindBudget means the cost governor denied admission.
	KindBudget Kind = "budget"
	// KindTimeout means an external call exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindExternal means the issue host or model runtime failed.
	KindExternal Kind = "external"
	// KindTransient means retryable I/O; the caller may try again.
	KindTransient Kind = "transient"
	// KindFatal means a bug; the worker crashes, the process does not.
	KindFatal Kind = "fatal"
)

// Error carries a kind, a message, and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// FenceToken is set on conflict errors so clients can observe the
	// current token after a stale-fence rejection.
	FenceToken int64
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Conflict creates a conflict error exposing the current fence token.
func Conflict(fenceToken int64, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...), FenceToken: fenceToken}
}

// KindOf extracts the kind from an error chain. Unclassified errors map to
// KindFatal: an unknown failure must not be silently retried.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error is worth retrying without operator
// intervention.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}
