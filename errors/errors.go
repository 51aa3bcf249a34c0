// Package errors provides the structured error type shared by the
// fieldsync client and acceptor components.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConnectivity means the request never reached the acceptor
	// (offline, DNS failure, connection refused). Retried without
	// incrementing attempt counts.
	KindConnectivity

	// KindTransient means the request was delivered and rejected with a
	// recoverable failure (5xx, timeout). Retried with backoff.
	KindTransient

	// KindPermanent means validation or authorization failed. Never retried.
	KindPermanent

	// KindConflict marks a version conflict. Not a failure: a defined
	// outcome that requires resolution.
	KindConflict

	// KindIntegrity marks a checksum mismatch on data read from the local
	// store. Triggers a re-fetch, never silently accepted.
	KindIntegrity

	// KindProtocol marks a malformed batch or response.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Op identifies the sync operation during which an error occurred.
type Op string

const (
	OpEnqueue  Op = "enqueue"
	OpReadySet Op = "ready_set"
	OpDispatch Op = "dispatch"
	OpSend     Op = "send"
	OpApply    Op = "apply"
	OpResolve  Op = "resolve"
	OpMark     Op = "mark"
	OpStore    Op = "store"
	OpLoad     Op = "load"
	OpClose    Op = "close"
)

// Component names the subsystem that generated an error ("queue",
// "coordinator", "transport", "acceptor").
type Component string

// SyncError is the structured error carried through the sync pipeline.
type SyncError struct {
	Op        Op
	Component Component
	Kind      Kind
	Err       error

	// Metadata carries additional context (entity IDs, status codes).
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s failed", e.Op)
	}
	if e.Kind != KindUnknown {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the failure class permits another attempt.
func (e *SyncError) Retryable() bool {
	return e.Kind == KindConnectivity || e.Kind == KindTransient
}

// E builds a SyncError from its arguments in any order. Recognized types:
// Op, Component, Kind, error, string (message). Later arguments of the
// same type overwrite earlier ones.
func E(args ...interface{}) *SyncError {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case *SyncError:
			// Inherit the classification of a wrapped SyncError unless
			// one was given explicitly.
			if e.Kind == KindUnknown {
				e.Kind = a.Kind
			}
			e.Err = a
		case error:
			e.Err = a
		case string:
			e.Err = errors.New(a)
		}
	}
	return e
}

// KindOf returns the Kind of err if it is (or wraps) a SyncError.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a SyncError whose class permits retry.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// IsKind reports whether err is a SyncError of the given Kind.
func IsKind(err error, k Kind) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind == k
	}
	return false
}
