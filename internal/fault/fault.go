// Package fault defines the typed error taxonomy shared by every inquest
// component. Callers branch on stable codes rather than message text, and the
// CLI maps any failure to a code plus a non-zero exit.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	// CodeRevisionMismatch signals a lost optimistic-write race. The caller
	// should re-read and retry.
	CodeRevisionMismatch Code = "REVISION_MISMATCH"
	// CodeSchemaInvalid signals a document that violates its registered shape.
	CodeSchemaInvalid Code = "SCHEMA_INVALID"
	// CodeImmutableField signals a write that mutates a frozen field.
	CodeImmutableField Code = "IMMUTABLE_FIELD"
	// CodeMissingArtifact signals a transition blocked on a precondition
	// artifact that does not exist or fails its shape check.
	CodeMissingArtifact Code = "MISSING_ARTIFACT"
	// CodeGateBlocked signals a transition blocked on a gate status.
	CodeGateBlocked Code = "GATE_BLOCKED"
	// CodeFanoutCapExceeded signals a plan that exceeds the perspective cap.
	CodeFanoutCapExceeded Code = "FANOUT_CAP_EXCEEDED"
	// CodeRetryCapExceeded signals a perspective that exhausted its attempts.
	CodeRetryCapExceeded Code = "RETRY_CAP_EXCEEDED"
	// CodeReviewCapExceeded signals a run that exhausted review iterations.
	CodeReviewCapExceeded Code = "REVIEW_CAP_EXCEEDED"
	// CodeLockHeld signals that another process owns the run lock.
	CodeLockHeld Code = "LOCK_HELD"
	// CodeWatchdogTimeout signals a stage that exceeded its time budget.
	CodeWatchdogTimeout Code = "WATCHDOG_TIMEOUT"
	// CodeRunAgentRequired signals that fan-out work needs an out-of-band
	// agent before the next tick. It is a resumable pause, not a failure.
	CodeRunAgentRequired Code = "RUN_AGENT_REQUIRED"
)

// Fault is a typed error with enough context to reproduce the failure:
// the operation that raised it and the subject (path, gate, or stage).
type Fault struct {
	Code    Code
	Op      string
	Subject string
	Detail  string
	Err     error
}

// New builds a fault with a formatted detail message.
func New(code Code, op, subject, format string, args ...any) *Fault {
	return &Fault{Code: code, Op: op, Subject: subject, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to an underlying error.
func Wrap(code Code, op string, err error) *Fault {
	return &Fault{Code: code, Op: op, Err: err}
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Op, f.Code)
	if f.Subject != "" {
		msg += " " + f.Subject
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap exposes the wrapped error for errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.Err
}

// CodeOf extracts the fault code from an error chain. The second return is
// false when no Fault is present.
func CodeOf(err error) (Code, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code, true
	}
	return "", false
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
