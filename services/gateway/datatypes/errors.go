// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies every failure the chat gateway can report to a client
// or to a metric label. The set is closed: code converting errors into
// client-visible events switches over all of these.
type ErrorKind string

const (
	// KindInvalidCredential: handshake token missing or malformed.
	KindInvalidCredential ErrorKind = "InvalidCredential"

	// KindExpiredCredential: handshake token past its expiry.
	KindExpiredCredential ErrorKind = "ExpiredCredential"

	// KindRevokedCredential: handshake token present on the revocation list.
	KindRevokedCredential ErrorKind = "RevokedCredential"

	// KindConcurrencyLimitExceeded: the session is at its task ceiling.
	KindConcurrencyLimitExceeded ErrorKind = "ConcurrencyLimitExceeded"

	// KindTaskCancelled: a task was cancelled explicitly or by its timeout.
	KindTaskCancelled ErrorKind = "TaskCancelled"

	// KindUpstreamFailure: the generation service returned non-2xx or the
	// transport to it failed.
	KindUpstreamFailure ErrorKind = "UpstreamFailure"

	// KindRegistryUnavailable: the shared store could not be reached.
	KindRegistryUnavailable ErrorKind = "RegistryUnavailable"

	// KindCapacityExceeded: the fleet is at its configured connection capacity.
	KindCapacityExceeded ErrorKind = "CapacityExceeded"

	// KindInvalidRequest: an inbound event payload failed validation.
	KindInvalidRequest ErrorKind = "InvalidRequest"

	// KindRateLimited: a session sent events faster than its allowance.
	KindRateLimited ErrorKind = "RateLimited"

	// KindPersistenceFailure: the conversation store rejected an operation.
	KindPersistenceFailure ErrorKind = "PersistenceFailure"

	// KindInternal: anything not classified above.
	KindInternal ErrorKind = "Internal"
)

// AllErrorKinds lists every ErrorKind in declaration order.
var AllErrorKinds = []ErrorKind{
	KindInvalidCredential,
	KindExpiredCredential,
	KindRevokedCredential,
	KindConcurrencyLimitExceeded,
	KindTaskCancelled,
	KindUpstreamFailure,
	KindRegistryUnavailable,
	KindCapacityExceeded,
	KindInvalidRequest,
	KindRateLimited,
	KindPersistenceFailure,
	KindInternal,
}

// =============================================================================
// Error Type
// =============================================================================

// Error is the single error type crossing component boundaries in the
// gateway.
//
// # Description
//
// Carries a Kind for exhaustive handling, a human-readable Message and an
// optional wrapped cause. Two *Error values compare equal under errors.Is
// when their kinds match, so callers can test
// errors.Is(err, datatypes.ErrTaskCancelled).
//
// # Thread Safety
//
// Immutable after construction.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality with another *Error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks, one per kind.
var (
	ErrInvalidCredential        = &Error{Kind: KindInvalidCredential, Message: "invalid credential"}
	ErrExpiredCredential        = &Error{Kind: KindExpiredCredential, Message: "credential expired"}
	ErrRevokedCredential        = &Error{Kind: KindRevokedCredential, Message: "credential revoked"}
	ErrConcurrencyLimitExceeded = &Error{Kind: KindConcurrencyLimitExceeded, Message: "too many concurrent tasks"}
	ErrTaskCancelled            = &Error{Kind: KindTaskCancelled, Message: "task cancelled or timed out"}
	ErrUpstreamFailure          = &Error{Kind: KindUpstreamFailure, Message: "upstream failure"}
	ErrRegistryUnavailable      = &Error{Kind: KindRegistryUnavailable, Message: "registry unavailable"}
	ErrCapacityExceeded         = &Error{Kind: KindCapacityExceeded, Message: "maximum connections exceeded"}
	ErrInvalidRequest           = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrRateLimited              = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrPersistenceFailure       = &Error{Kind: KindPersistenceFailure, Message: "persistence failure"}
)

// NewError creates an *Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an *Error of the given kind wrapping cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf classifies any error.
//
// # Description
//
// Returns the Kind of the outermost *Error in the chain. Bare context
// cancellation and deadline errors are classified as KindTaskCancelled since
// both represent the single cancellation signal. Everything else, including
// nil, is KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTaskCancelled
	}
	return KindInternal
}

// IsCancellation reports whether err represents task cancellation.
func IsCancellation(err error) bool {
	return KindOf(err) == KindTaskCancelled
}

// ClientMessage returns the text shown to clients for err.
//
// # Description
//
// Upstream and store failures can carry internal addresses or driver text,
// so those kinds map to fixed messages. Kinds whose messages are produced by
// the gateway itself pass through.
func ClientMessage(err error) string {
	switch KindOf(err) {
	case KindUpstreamFailure:
		var e *Error
		if errors.As(err, &e) {
			return e.Message
		}
		return "generation service failed"
	case KindRegistryUnavailable:
		return "session registry unavailable"
	case KindPersistenceFailure:
		return "conversation storage failed"
	case KindInternal:
		if err == nil {
			return "internal error"
		}
		return err.Error()
	case KindInvalidCredential, KindExpiredCredential, KindRevokedCredential,
		KindConcurrencyLimitExceeded, KindTaskCancelled, KindCapacityExceeded,
		KindInvalidRequest, KindRateLimited:
		var e *Error
		if errors.As(err, &e) {
			return e.Message
		}
		return err.Error()
	}
	return "internal error"
}
