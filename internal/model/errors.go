package model

import (
	"fmt"
	"strings"
)

// Kind is the client-visible error taxonomy from spec.md §7.
type Kind string

const (
	KindPermissionDenied     Kind = "permissionDenied"
	KindServer               Kind = "server"
	KindInvalidRequest       Kind = "invalidRequest"
	KindConnectionTerminated Kind = "connectionTerminated"
	KindInvalidData          Kind = "invalidData"
	KindTimeout              Kind = "timeout"
	KindInvalidAuthToken     Kind = "invalidAuthToken"
	KindExecutionFailed      Kind = "executionFailed"
	KindDefault              Kind = "default"
)

// Reason refines KindInvalidData and KindExecutionFailed, per spec.md §7.
type Reason string

const (
	ReasonSerializationFailure   Reason = "serializationFailure"
	ReasonInvalidFilter          Reason = "invalidFilter"
	ReasonInvalidDocument        Reason = "invalidDocument"
	ReasonInvalidIdentifierFmt   Reason = "invalidIdentifierFormat"
	ReasonInvalidKeyPath         Reason = "invalidKeyPath"
	ReasonInvalidLimit           Reason = "invalidLimit"
	ReasonWriteConflict          Reason = "writeConflict"
	ReasonAborted                Reason = "aborted"
)

// Error is the concrete error type returned across the SDK boundary. User
// callbacks never see a panic or a bare third-party error: everything is
// funneled through Error so callers can switch on Kind.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		if e.Message != "" {
			return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
		}
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a plain Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a plain Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithReason builds an Error carrying a Reason (invalidData / executionFailed).
func WithReason(kind Kind, reason Reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// ServerErrorKind maps a wire `err-type` string to a Kind, per spec.md §6/§7.
func ServerErrorKind(errType string) Kind {
	switch Kind(errType) {
	case KindPermissionDenied, KindServer, KindInvalidRequest, KindConnectionTerminated,
		KindInvalidData, KindTimeout, KindInvalidAuthToken, KindExecutionFailed:
		return Kind(errType)
	default:
		return KindDefault
	}
}

// ServerErrorReason derives the Reason of a server err frame for kinds
// spec.md §7 refines (currently only executionFailed{writeConflict |
// aborted}); the wire protocol carries this distinction inside err-msg
// rather than as a separate field. Returns "" for every other kind.
func ServerErrorReason(kind Kind, errMessage string) Reason {
	if kind != KindExecutionFailed {
		return ""
	}
	switch {
	case strings.Contains(errMessage, string(ReasonWriteConflict)):
		return ReasonWriteConflict
	case strings.Contains(errMessage, string(ReasonAborted)):
		return ReasonAborted
	default:
		return ""
	}
}
