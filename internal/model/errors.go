package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrHeadMoved reports that another append for the same work item committed
// after the caller projected its state. Callers re-project and re-validate.
var ErrHeadMoved = errors.New("event log head moved")

// ErrorCode categorizes lifecycle and sync failures.
type ErrorCode string

const (
	// ErrCodeInvalidTransition: the current state does not accept the action.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeUnauthorized: the actor lacks the role or is not the assignee.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrCodeEvidenceRejected: the QC evidence policy refused the outcome.
	ErrCodeEvidenceRejected ErrorCode = "EVIDENCE_REJECTED"

	// ErrCodeCorruptHistory: the event log cannot be folded past an event.
	ErrCodeCorruptHistory ErrorCode = "CORRUPT_HISTORY"

	// ErrCodeInvalidArgument: malformed input such as an unscannable code.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// ErrCodeNotFound: a referenced entry or evidence item does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeTransientSyncFailure: the remote could not be reached in time.
	ErrCodeTransientSyncFailure ErrorCode = "TRANSIENT_SYNC_FAILURE"

	// ErrCodeSyncConflict: the remote refused an event as inconsistent.
	ErrCodeSyncConflict ErrorCode = "SYNC_CONFLICT"
)

// Error is the typed failure returned by lifecycle and sync operations.
//
// Reasons is populated for ErrCodeEvidenceRejected with one entry per policy
// rule that failed.
type Error struct {
	Code         ErrorCode
	Message      string
	WorkItemCode string
	Reasons      []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.WorkItemCode != "" {
		msg += fmt.Sprintf(" (work_item=%s)", e.WorkItemCode)
	}
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

func hasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsInvalidTransition reports whether err is an invalid transition failure.
func IsInvalidTransition(err error) bool { return hasCode(err, ErrCodeInvalidTransition) }

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool { return hasCode(err, ErrCodeUnauthorized) }

// IsEvidenceRejected reports whether err is a policy rejection.
func IsEvidenceRejected(err error) bool { return hasCode(err, ErrCodeEvidenceRejected) }

// IsCorruptHistory reports whether err was caused by an unfoldable history.
func IsCorruptHistory(err error) bool { return hasCode(err, ErrCodeCorruptHistory) }

// IsInvalidArgument reports whether err is an input validation failure.
func IsInvalidArgument(err error) bool { return hasCode(err, ErrCodeInvalidArgument) }

// IsNotFound reports whether err is a missing-record failure.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsTransient reports whether err is a retryable sync failure.
func IsTransient(err error) bool { return hasCode(err, ErrCodeTransientSyncFailure) }

// IsSyncConflict reports whether err is a remote conflict.
func IsSyncConflict(err error) bool { return hasCode(err, ErrCodeSyncConflict) }

// NewInvalidTransition creates an invalid transition error.
func NewInvalidTransition(code string, from Status, action string) *Error {
	return &Error{
		Code:         ErrCodeInvalidTransition,
		Message:      fmt.Sprintf("cannot %s from %s", action, from),
		WorkItemCode: code,
	}
}

// NewUnauthorized creates an authorization error.
func NewUnauthorized(code string, actor Actor, why string) *Error {
	return &Error{
		Code:         ErrCodeUnauthorized,
		Message:      fmt.Sprintf("actor %s (%s) %s", actor.ID, actor.Role, why),
		WorkItemCode: code,
	}
}

// NewEvidenceRejected creates a policy rejection carrying every failed rule.
func NewEvidenceRejected(code string, reasons []string) *Error {
	return &Error{
		Code:         ErrCodeEvidenceRejected,
		Message:      "evidence does not satisfy QC policy",
		WorkItemCode: code,
		Reasons:      append([]string(nil), reasons...),
	}
}

// NewCorruptHistory creates a corrupt history error for a flagged work item.
func NewCorruptHistory(code string, anomaly Anomaly) *Error {
	return &Error{
		Code:         ErrCodeCorruptHistory,
		Message:      fmt.Sprintf("event %s at seq %d: %s", anomaly.EventID, anomaly.Seq, anomaly.Detail),
		WorkItemCode: code,
	}
}

// NewInvalidArgument creates an input validation error.
func NewInvalidArgument(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound creates a missing-record error.
func NewNotFound(format string, args ...any) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewTransient wraps a retryable delivery failure.
func NewTransient(err error) *Error {
	return &Error{Code: ErrCodeTransientSyncFailure, Message: err.Error()}
}

// NewSyncConflict creates a conflict error for a refused event.
func NewSyncConflict(code, reason string) *Error {
	return &Error{Code: ErrCodeSyncConflict, Message: reason, WorkItemCode: code}
}
