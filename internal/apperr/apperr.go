// Package apperr defines the typed failures returned by the loyalty service.
//
// Callers match on the exported sentinels with errors.Is; the HTTP layer maps
// a Kind to a status code.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindNotPending       Kind = "not_pending"
	KindDuplicatePending Kind = "duplicate_pending"
	KindNoUnusedToken    Kind = "no_unused_token"
	KindUnauthorized     Kind = "unauthorized"
	KindDriftDetected    Kind = "drift_detected"
	KindInvalidArgument  Kind = "invalid_argument"
	KindApprovalRequired Kind = "approval_required"
	KindThrottled        Kind = "throttled"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

// Error is a failure with a machine readable Kind.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality. A NotPending error is also an InvalidState error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return e.Kind == KindNotPending && t.Kind == KindInvalidState
}

var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrNotPending       = &Error{Kind: KindNotPending}
	ErrDuplicatePending = &Error{Kind: KindDuplicatePending}
	ErrNoUnusedToken    = &Error{Kind: KindNoUnusedToken}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrDriftDetected    = &Error{Kind: KindDriftDetected}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrApprovalRequired = &Error{Kind: KindApprovalRequired}
	ErrThrottled        = &Error{Kind: KindThrottled}
	ErrConflict         = &Error{Kind: KindConflict}
)

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
