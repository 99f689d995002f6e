// Package taskerr implements the error taxonomy of spec.md section 7:
// transient, conflict, validation, not-found, auth, sequence and checksum
// errors, each carrying enough context for the caller to decide whether to
// retry, resolve, or surface the failure to the user.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/surface decisions.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindAuth       Kind = "auth"
	KindSequence   Kind = "sequence"
	KindChecksum   Kind = "checksum"
)

// Error is a taxonomy-tagged error wrapping an underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	TaskID  string
	Err     error
	RetryFn func() error
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task %s): %v", e.Kind, e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a taxonomy-tagged error.
func New(kind Kind, op string, taskID string, cause error) *Error {
	return &Error{Kind: kind, Op: op, TaskID: taskID, Err: cause}
}

// WithRetry attaches a retry function the caller can expose, matching the
// task:operation-failed notification's retryFn field in spec.md section 7.
func (e *Error) WithRetry(fn func() error) *Error {
	e.RetryFn = fn
	return e
}

// Transient reports whether err is a transient (network/timeout/5xx) error,
// which spec.md says the core absorbs locally with retry/backoff.
func Transient(err error) bool { return kindIs(err, KindTransient) }

// Conflict reports whether err is a 409-style conflict to be resolved by the
// delta merger.
func Conflict(err error) bool { return kindIs(err, KindConflict) }

// Sequence reports whether err is a gap/regression decided by the sequencer.
func Sequence(err error) bool { return kindIs(err, KindSequence) }

// Checksum reports whether err is a drift requiring targeted resync.
func Checksum(err error) bool { return kindIs(err, KindChecksum) }

func kindIs(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
