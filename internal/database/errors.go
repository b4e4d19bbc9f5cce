package database

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

// ErrorKind partitions execution failures by how the pipeline should react.
// Only Transient errors are eligible for retry.
type ErrorKind string

const (
	// Transient covers failures expected to resolve on retry: connection loss,
	// serialization failures, deadlocks, resource exhaustion, statement timeouts.
	Transient ErrorKind = "transient"
	// ConstraintViolation covers integrity constraint failures (class 23).
	ConstraintViolation ErrorKind = "constraint_violation"
	// SchemaMismatch covers statements that do not fit the target schema (class 42).
	SchemaMismatch ErrorKind = "schema_mismatch"
	// Fatal covers everything else; the batch is handed to the failure callback.
	Fatal ErrorKind = "fatal"
)

// ExecutionError is the terminal classification of a failed statement.
type ExecutionError struct {
	Kind  ErrorKind
	Table string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s error executing upsert on table %s: %v", e.Kind, e.Table, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

func (e *ExecutionError) Retryable() bool {
	return e.Kind == Transient
}

// FailureClass reports the terminal failure label used by pipeline metrics.
func (e *ExecutionError) FailureClass() string {
	if e.Kind == Transient {
		return "transient_exhausted"
	}
	return string(e.Kind)
}

// ConnectError wraps a failure to establish a connection. Always retryable.
type ConnectError struct {
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("error connecting to database: %v", e.Cause)
}

func (e *ConnectError) Unwrap() error  { return e.Cause }
func (e *ConnectError) Retryable() bool { return true }

// ErrPoolExhausted is returned by Acquire when no connection becomes available
// within the configured wait bound. Retryable at the caller's discretion.
type poolExhaustedError struct{}

func (poolExhaustedError) Error() string   { return "connection pool exhausted" }
func (poolExhaustedError) Retryable() bool { return true }

var ErrPoolExhausted = poolExhaustedError{}

// ClassifyExecError maps a driver error onto the retry taxonomy. Postgres errors
// are classified by SQLSTATE class; anything that looks like a network failure is
// treated as transient.
func ClassifyExecError(table string, err error) *ExecutionError {
	return &ExecutionError{Kind: classify(err), Table: table, Cause: err}
}

func classify(err error) ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyCode(pgErr.Code)
	}
	if isNetworkError(err) {
		return Transient
	}
	return Fatal
}

func classifyCode(code string) ErrorKind {
	if len(code) < 2 {
		return Fatal
	}
	switch code[:2] {
	case "08": // connection exceptions
		return Transient
	case "53": // insufficient resources, e.g. too many connections
		return Transient
	case "57": // operator intervention, e.g. admin shutdown, statement timeout
		return Transient
	case "23":
		return ConstraintViolation
	case "42": // undefined table/column, datatype mismatch
		return SchemaMismatch
	}
	switch code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return Transient
	}
	return Fatal
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		// Our own statement timeout fired; the statement may succeed on retry.
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
