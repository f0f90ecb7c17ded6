package driver

import (
	"errors"
	"fmt"
)

// QueryExecutionError means the source rejected a query (syntax,
// permission, connectivity) when it was opened.
type QueryExecutionError struct {
	Query string
	Err   error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution failed: %v", e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// SourceReadError means the source stream broke after it was opened. It is
// terminal for the stream.
type SourceReadError struct {
	Row int64 // rows delivered before the failure
	Err error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("source read failed after %d rows: %v", e.Row, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// ErrorClass groups target write failures by how the caller should react.
type ErrorClass int

const (
	// ClassFatal failures (schema mismatch, missing table) abort the run.
	ClassFatal ErrorClass = iota
	// ClassRecoverable failures (timeouts, deadlocks, dropped connections)
	// are retried with backoff.
	ClassRecoverable
	// ClassConstraint failures are caused by row data (unique keys, foreign
	// keys, NOT NULL, truncation) and may be isolated row by row.
	ClassConstraint
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable"
	case ClassConstraint:
		return "constraint"
	default:
		return "fatal"
	}
}

// Classifier decides the ErrorClass of a target error.
type Classifier func(error) ErrorClass

// TargetWriteError is a classified failure from the target writer.
type TargetWriteError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *TargetWriteError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *TargetWriteError) Unwrap() error { return e.Err }

// ClassOf returns the class carried by err, or ClassFatal when err is not a
// TargetWriteError.
func ClassOf(err error) ErrorClass {
	var twe *TargetWriteError
	if errors.As(err, &twe) {
		return twe.Class
	}
	return ClassFatal
}
