package rdb

import "github.com/odinrealtime/rdb-go/internal/model"

// Kind is the client-visible error taxonomy, spec.md §7.
type Kind = model.Kind

// Reason refines KindInvalidData and KindExecutionFailed, spec.md §7.
type Reason = model.Reason

const (
	KindPermissionDenied     = model.KindPermissionDenied
	KindServer               = model.KindServer
	KindInvalidRequest       = model.KindInvalidRequest
	KindConnectionTerminated = model.KindConnectionTerminated
	KindInvalidData          = model.KindInvalidData
	KindTimeout              = model.KindTimeout
	KindInvalidAuthToken     = model.KindInvalidAuthToken
	KindExecutionFailed      = model.KindExecutionFailed
	KindDefault              = model.KindDefault
)

const (
	ReasonSerializationFailure = model.ReasonSerializationFailure
	ReasonInvalidFilter        = model.ReasonInvalidFilter
	ReasonInvalidDocument      = model.ReasonInvalidDocument
	ReasonInvalidIdentifierFmt = model.ReasonInvalidIdentifierFmt
	ReasonInvalidKeyPath       = model.ReasonInvalidKeyPath
	ReasonInvalidLimit         = model.ReasonInvalidLimit
	ReasonWriteConflict        = model.ReasonWriteConflict
	ReasonAborted              = model.ReasonAborted
)

// Error is the concrete error type every SDK call returns across its
// public boundary. Switch on Kind (and Reason, for invalidData and
// executionFailed) rather than string-matching Error().
type Error = model.Error

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool { return model.IsKind(err, kind) }
