// Package ntjsonerr defines the error taxonomy shared by every layer of the
// store: a small set of domain-tagged errors that callers can compare by
// Code rather than by string matching.
package ntjsonerr

import "fmt"

// Domain groups related error codes, mirroring how the original store
// distinguished its own errors from ones surfaced verbatim by the engine.
type Domain string

const (
	// DomainStore covers errors raised by the store itself.
	DomainStore Domain = "NTJsonStoreErrorDomain"
	// DomainSqlite covers errors surfaced verbatim from the embedded engine.
	DomainSqlite Domain = "NTJsonStoreSqliteErrorDomain"
)

// Code identifies the kind of error within a Domain.
type Code string

const (
	CodeInvalidSqlArgument Code = "InvalidSqlArgument"
	CodeInvalidSqlResult   Code = "InvalidSqlResult"
	CodeClosed             Code = "Closed"
	CodeSqliteError        Code = "SqliteError"
)

// Error is the concrete type returned by every operation in this module.
type Error struct {
	Domain  Domain
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so callers can
// use errors.Is(err, ntjsonerr.Closed) style checks.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

// InvalidSqlArgument reports a malformed user clause or an unsupported bind
// value type.
func InvalidSqlArgument(format string, args ...any) *Error {
	return &Error{Domain: DomainStore, Code: CodeInvalidSqlArgument, Message: fmt.Sprintf(format, args...)}
}

// InvalidSqlResult reports a row shape the store did not expect from the
// engine.
func InvalidSqlResult(format string, args ...any) *Error {
	return &Error{Domain: DomainStore, Code: CodeInvalidSqlResult, Message: fmt.Sprintf(format, args...)}
}

// Closed is returned by any operation performed after the owning store or
// connection has been closed.
var Closed = &Error{Domain: DomainStore, Code: CodeClosed, Message: "store or connection is closed"}

// FromSqlite wraps an error returned by the embedded engine, preserving it
// via Unwrap.
func FromSqlite(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Domain: DomainSqlite, Code: CodeSqliteError, Message: err.Error(), Err: err}
}
