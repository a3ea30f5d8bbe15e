// Package ntjsonstore is an embedded, single-file JSON document store
// layered on an embedded SQL engine with B-tree secondary indexes. Each
// record is an opaque document; the store transparently projects selected
// document paths into typed relational columns so that queries written
// against JSON paths can be answered through ordinary SQL plus indexes.
//
// A Store owns one database file and a directory of Collections; a
// Collection owns its schema, object cache, and live queries. All
// mutation of a Collection's state happens on that Collection's serial
// queue; all database access happens on the Store's connection queue,
// which per-collection tasks borrow via DispatchSync.
package ntjsonstore

import (
	"ntjsonstore/internal/codec"
	"ntjsonstore/internal/ntjsonerr"
)

// Document is an unordered mapping from string keys to JSON-shaped values
// (nil, bool, int64, float64, string, []any, map[string]any). It carries
// an implicit row identifier, "__rowid__", once persisted.
type Document = codec.Document

// Error is the concrete error type returned by every operation in this
// module; see Domain/Code for programmatic matching.
type Error = ntjsonerr.Error

// Error domains, re-exported for callers comparing Error.Domain.
const (
	DomainStore  = ntjsonerr.DomainStore
	DomainSqlite = ntjsonerr.DomainSqlite
)

// Error codes, re-exported for callers comparing Error.Code.
const (
	CodeInvalidSqlArgument = ntjsonerr.CodeInvalidSqlArgument
	CodeInvalidSqlResult   = ntjsonerr.CodeInvalidSqlResult
	CodeClosed             = ntjsonerr.CodeClosed
	CodeSqliteError        = ntjsonerr.CodeSqliteError
)

// InvalidSqlArgument reports a malformed user clause or an unsupported
// bind value type.
func InvalidSqlArgument(format string, args ...any) *Error { return ntjsonerr.InvalidSqlArgument(format, args...) }

// InvalidSqlResult reports a row shape the store did not expect from the
// underlying engine.
func InvalidSqlResult(format string, args ...any) *Error { return ntjsonerr.InvalidSqlResult(format, args...) }

// Closed is returned by any operation performed after the owning Store or
// Collection has been closed.
var Closed = ntjsonerr.Closed

const rowIDKey = "__rowid__"

func rowIDOf(d Document) (int64, bool) {
	v, ok := d[rowIDKey]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func withRowID(d Document, rowid int64) Document {
	out := make(Document, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[rowIDKey] = rowid
	return out
}
