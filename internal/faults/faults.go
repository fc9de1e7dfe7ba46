// Package faults classifies step failures so the loop can decide between
// retry, replan, rollback and surfacing the failure to the human.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
)

type Kind string

const (
	// Transient failures (network, timeout) are retried with backoff.
	Transient Kind = "transient"
	// Structural failures mean the plan itself is broken and must be replanned.
	Structural Kind = "structural"
	// Data failures are outcomes inconsistent with intent; the step is rolled back.
	Data Kind = "data"
	// UserDeclined is a rejected or expired checkpoint. Not an error for the session.
	UserDeclined Kind = "user_declined"
	// Fatal ends the session.
	Fatal Kind = "fatal"
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind when the target carries no wrapped error,
// so errors.Is(err, &faults.Error{Kind: faults.Data}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transientf(op, format string, args ...any) error {
	return &Error{Kind: Transient, Op: op, Err: fmt.Errorf(format, args...)}
}

func Structuralf(op, format string, args ...any) error {
	return &Error{Kind: Structural, Op: op, Err: fmt.Errorf(format, args...)}
}

func Dataf(op, format string, args ...any) error {
	return &Error{Kind: Data, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain, or classifies
// the error by its message when none is present. nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)timed out`),
	regexp.MustCompile(`(?i)deadline exceeded`),
	regexp.MustCompile(`(?i)connection (refused|reset|closed)`),
	regexp.MustCompile(`(?i)reset by peer`),
	regexp.MustCompile(`(?i)broken pipe`),
	regexp.MustCompile(`(?i)\bEOF\b`),
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`\b429\b`),
	regexp.MustCompile(`\b50[234]\b`),
	regexp.MustCompile(`(?i)temporarily unavailable`),
}

// Classify maps an untyped error to a kind. Context cancellation is fatal for
// the step: the session is being torn down and nothing should be retried.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	msg := err.Error()
	for _, re := range transientPatterns {
		if re.MatchString(msg) {
			return Transient
		}
	}
	return Structural
}

// Retryable reports whether a failure of this kind may be retried as-is.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}
