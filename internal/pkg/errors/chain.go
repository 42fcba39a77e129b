package errors

import (
	"errors"
	"fmt"
	"time"
)

// Is, As and Join re-export the standard helpers so callers need one import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// AppendKind classifies an append failure for the queue's retry policy.
type AppendKind int

const (
	// Transient failures are retried by the queue.
	Transient AppendKind = iota
	// Fatal failures are not retried.
	Fatal
)

func (k AppendKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// AppendError is returned by the chain appender.
type AppendError struct {
	Kind AppendKind
	Op   string
	Err  error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// NewTransient tags err as retryable.
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppendError{Kind: Transient, Op: op, Err: err}
}

// NewFatal tags err as non-retryable.
func NewFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppendError{Kind: Fatal, Op: op, Err: err}
}

// IsFatal reports whether err carries a Fatal append classification.
// Untagged errors are treated as transient.
func IsFatal(err error) bool {
	var ae *AppendError
	if errors.As(err, &ae) {
		return ae.Kind == Fatal
	}
	return false
}

// CleanupError is returned when a retention run fails part way.
// Deleted counts rows already removed before the failure.
type CleanupError struct {
	Cutoff   time.Time
	Duration time.Duration
	Deleted  int64
	Err      error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("log cleanup (cutoff %s, deleted %d, after %s): %v",
		e.Cutoff.UTC().Format(time.RFC3339), e.Deleted, e.Duration, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
